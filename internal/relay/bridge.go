// internal/relay/bridge.go
package relay

import (
	"context"
	"time"

	"hostflow/internal/common/logger"
	"hostflow/internal/store"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relay:msg:"

// Bridge maps opaque chat-platform message handles to request IDs so button
// callbacks can be correlated without a round trip to the database. Redis is
// a cache, not the source of truth: on a miss Correlate falls back to the
// external_message_ref column.
type Bridge struct {
	redis    *redis.Client
	requests *store.RequestStore
	ttl      time.Duration
	logger   logger.Logger
}

func NewBridge(rdb *redis.Client, requests *store.RequestStore, ttl time.Duration, log logger.Logger) *Bridge {
	return &Bridge{
		redis:    rdb,
		requests: requests,
		ttl:      ttl,
		logger:   log.WithFields(map[string]interface{}{"component": "relay-bridge"}),
	}
}

// Bind records the message handle for a just-sent invitation. A failed write
// is logged and swallowed; the database fallback still works.
func (b *Bridge) Bind(ctx context.Context, messageRef, requestID string) {
	if b.redis == nil || messageRef == "" {
		return
	}
	if err := b.redis.Set(ctx, keyPrefix+messageRef, requestID, b.ttl).Err(); err != nil {
		b.logger.Warn("relay bind failed", map[string]interface{}{
			"messageRef": messageRef,
			"requestId":  requestID,
			"error":      err.Error(),
		})
	}
}

// Correlate resolves a message handle to the request it belongs to.
func (b *Bridge) Correlate(ctx context.Context, messageRef string) (string, error) {
	if b.redis != nil {
		requestID, err := b.redis.Get(ctx, keyPrefix+messageRef).Result()
		if err == nil && requestID != "" {
			return requestID, nil
		}
		if err != nil && err != redis.Nil {
			b.logger.Warn("relay lookup failed, falling back to database", map[string]interface{}{
				"messageRef": messageRef,
				"error":      err.Error(),
			})
		}
	}

	req, err := b.requests.GetByExternalRef(ctx, messageRef)
	if err != nil {
		return "", err
	}

	// Refill the cache so the next callback for this message is cheap.
	b.Bind(ctx, messageRef, req.ID)

	return req.ID, nil
}

// Forget drops the mapping once a request reaches a terminal status.
func (b *Bridge) Forget(ctx context.Context, messageRef string) {
	if b.redis == nil || messageRef == "" {
		return
	}
	if err := b.redis.Del(ctx, keyPrefix+messageRef).Err(); err != nil {
		b.logger.Warn("relay forget failed", map[string]interface{}{
			"messageRef": messageRef,
			"error":      err.Error(),
		})
	}
}
