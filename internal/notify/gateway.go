// internal/notify/gateway.go
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"hostflow/internal/common/errors"
	httpclient "hostflow/internal/common/http"
	"hostflow/internal/common/logger"
	"hostflow/internal/common/metrics"
)

// Action is a button attached to an outbound message. The chat platform
// echoes the Value back in the callback payload.
type Action struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Gateway delivers and edits messages on the chat platform. Implementations
// return opaque message handles the engine stores as externalMessageRef.
// Delivery is fire-and-forget relative to the state machine: a send failure
// is reported but never blocks a status transition.
type Gateway interface {
	SendDirect(ctx context.Context, userID, content string, actions []Action) (string, error)
	EditMessage(ctx context.Context, messageRef, content string) error
	PostToChannel(ctx context.Context, channelID, content string) (string, error)
}

// WebhookGateway posts JSON to the chat platform's relay webhook.
type WebhookGateway struct {
	baseURL string
	token   string
	client  *httpclient.Client
	logger  logger.Logger
}

func NewWebhookGateway(baseURL, token string, timeout time.Duration, log logger.Logger) *WebhookGateway {
	return &WebhookGateway{
		baseURL: baseURL,
		token:   token,
		client:  httpclient.NewClient(timeout),
		logger:  log.WithFields(map[string]interface{}{"component": "webhook-gateway"}),
	}
}

type sendResponse struct {
	MessageRef string `json:"messageRef"`
}

func (g *WebhookGateway) SendDirect(ctx context.Context, userID, content string, actions []Action) (string, error) {
	payload := map[string]interface{}{
		"userId":  userID,
		"content": content,
	}
	if len(actions) > 0 {
		payload["actions"] = actions
	}

	ref, err := g.post(ctx, "/messages/direct", payload)
	if err != nil {
		metrics.NotificationFailures.WithLabelValues("direct").Inc()
		return "", errors.NewNotificationFailureError("user:"+userID, err)
	}
	return ref, nil
}

func (g *WebhookGateway) EditMessage(ctx context.Context, messageRef, content string) error {
	_, err := g.post(ctx, "/messages/"+messageRef+"/edit", map[string]interface{}{
		"content": content,
	})
	if err != nil {
		metrics.NotificationFailures.WithLabelValues("edit").Inc()
		return errors.NewNotificationFailureError("message:"+messageRef, err)
	}
	return nil
}

func (g *WebhookGateway) PostToChannel(ctx context.Context, channelID, content string) (string, error) {
	ref, err := g.post(ctx, "/channels/"+channelID+"/messages", map[string]interface{}{
		"content": content,
	})
	if err != nil {
		metrics.NotificationFailures.WithLabelValues("channel").Inc()
		return "", errors.NewNotificationFailureError("channel:"+channelID, err)
	}
	return ref, nil
}

func (g *WebhookGateway) post(ctx context.Context, path string, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := nethttp.NewRequest(nethttp.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.DoWithContext(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.MessageRef, nil
}
