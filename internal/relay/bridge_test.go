// internal/relay/bridge_test.go
package relay

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestBridge(t *testing.T) (*Bridge, sqlmock.Sqlmock, *sql.DB, *miniredis.Miniredis) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	requests := store.NewRequestStore(db, 24*time.Hour, logger.NewTestLogger(t))
	b := NewBridge(rdb, requests, time.Hour, logger.NewTestLogger(t))
	return b, mock, db, mr
}

func requestRowFor(id, ref string) *sqlmock.Rows {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	expires := now.Add(24 * time.Hour)
	return sqlmock.NewRows([]string{"id", "workflow_id", "event_id", "user_id", "priority",
		"status", "message", "external_message_ref", "expires_at", "created_at"}).
		AddRow(id, "wf-1", "event-1", "user-1", 1, "pending", nil, ref, expires, now)
}

// ==========================
// Bind / Correlate
// ==========================

func TestBridge_BindThenCorrelate(t *testing.T) {
	b, mock, db, _ := newTestBridge(t)
	defer db.Close()

	ctx := context.Background()
	b.Bind(ctx, "msg-1", "req-1")

	requestID, err := b.Correlate(ctx, "msg-1")

	assert.NoError(t, err)
	assert.Equal(t, "req-1", requestID)
	// The redis hit means no database lookup happened.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBridge_Correlate_CacheMissFallsBackToDatabase(t *testing.T) {
	b, mock, db, mr := newTestBridge(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("msg-2").
		WillReturnRows(requestRowFor("req-2", "msg-2"))

	requestID, err := b.Correlate(context.Background(), "msg-2")

	assert.NoError(t, err)
	assert.Equal(t, "req-2", requestID)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The fallback refilled the cache.
	cached, cacheErr := mr.Get("relay:msg:msg-2")
	assert.NoError(t, cacheErr)
	assert.Equal(t, "req-2", cached)
}

func TestBridge_Correlate_UnknownRefIsNotFound(t *testing.T) {
	b, mock, db, _ := newTestBridge(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workflow_id", "event_id", "user_id", "priority",
			"status", "message", "external_message_ref", "expires_at", "created_at"}))

	requestID, err := b.Correlate(context.Background(), "ghost")

	assert.Empty(t, requestID)
	assert.True(t, errors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBridge_Correlate_RedisDownFallsBackToDatabase(t *testing.T) {
	b, mock, db, mr := newTestBridge(t)
	defer db.Close()

	mr.Close()

	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("msg-3").
		WillReturnRows(requestRowFor("req-3", "msg-3"))

	requestID, err := b.Correlate(context.Background(), "msg-3")

	assert.NoError(t, err)
	assert.Equal(t, "req-3", requestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Forget
// ==========================

func TestBridge_Forget_DropsMapping(t *testing.T) {
	b, mock, db, mr := newTestBridge(t)
	defer db.Close()

	ctx := context.Background()
	b.Bind(ctx, "msg-4", "req-4")
	b.Forget(ctx, "msg-4")

	assert.False(t, mr.Exists("relay:msg:msg-4"))

	// A later correlate goes to the database.
	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("msg-4").
		WillReturnRows(requestRowFor("req-4", "msg-4"))

	requestID, err := b.Correlate(ctx, "msg-4")
	assert.NoError(t, err)
	assert.Equal(t, "req-4", requestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
