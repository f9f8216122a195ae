// internal/store/requests_test.go
package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

// ==========================
// Test Helper Functions
// ==========================

var testNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func newTestRequestStore(t *testing.T) (*RequestStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	s := NewRequestStore(db, 24*time.Hour, logger.NewTestLogger(t))
	s.now = func() time.Time { return testNow }
	return s, mock, db
}

func requestColumnsList() []string {
	return []string{"id", "workflow_id", "event_id", "user_id", "priority",
		"status", "message", "external_message_ref", "expires_at", "created_at"}
}

func requestRow(id, userID string, priority int, status string) *sqlmock.Rows {
	expires := testNow.Add(24 * time.Hour)
	return sqlmock.NewRows(requestColumnsList()).
		AddRow(id, "wf-1", "event-1", userID, priority, status, "join us", "msg-"+id, expires, testNow)
}

// ==========================
// Create
// ==========================

func TestRequestStore_Create_Success(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO host_requests`).
		WithArgs(sqlmock.AnyArg(), "wf-1", "event-1", "user-1", 1, "waiting",
			sqlmock.AnyArg(), testNow.Add(24*time.Hour), testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req, err := s.Create(context.Background(), "wf-1", "event-1", "user-1", 1, "come host")

	assert.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, models.StatusWaiting, req.Status)
	assert.Equal(t, 1, req.Priority)
	assert.NotNil(t, req.ExpiresAt)
	assert.Equal(t, testNow.Add(24*time.Hour), *req.ExpiresAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStore_Create_Duplicate(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO host_requests`).
		WillReturnError(&pq.Error{Code: "23505"})

	req, err := s.Create(context.Background(), "wf-1", "event-1", "user-1", 1, "")

	assert.Nil(t, req)
	assert.True(t, errors.IsAlreadyExists(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Get / GetByExternalRef
// ==========================

func TestRequestStore_Get_Success(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("req-1").
		WillReturnRows(requestRow("req-1", "user-1", 1, "pending"))

	req, err := s.Get(context.Background(), "req-1")

	assert.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, "msg-req-1", req.ExternalMessageRef)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStore_Get_NotFound(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(requestColumnsList()))

	req, err := s.Get(context.Background(), "missing")

	assert.Nil(t, req)
	assert.True(t, errors.IsNotFound(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStore_GetByExternalRef_NormalizesStatusCasing(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	expires := testNow.Add(24 * time.Hour)
	rows := sqlmock.NewRows(requestColumnsList()).
		AddRow("req-2", "wf-1", "event-1", "user-2", 2, "PENDING", nil, "msg-77", expires, testNow)

	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("msg-77").
		WillReturnRows(rows)

	req, err := s.GetByExternalRef(context.Background(), "msg-77")

	assert.NoError(t, err)
	assert.Equal(t, models.StatusPending, req.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// UpdateStatus (guarded transitions)
// ==========================

func TestRequestStore_UpdateStatus_Success(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE host_requests`).
		WithArgs("req-1", "declined", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateStatus(context.Background(), "req-1", models.StatusDeclined, "")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStore_UpdateStatus_TerminalIsNeverResurrected(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	// The guard matches zero rows, then the store reads the current status
	// to report what the request already is.
	mock.ExpectExec(`UPDATE host_requests`).
		WithArgs("req-1", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("req-1").
		WillReturnRows(requestRow("req-1", "user-1", 1, "expired"))

	err := s.UpdateStatus(context.Background(), "req-1", models.StatusPending, "")

	assert.True(t, errors.IsInvalidState(err))
	assert.Contains(t, err.Error(), "expired")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStore_UpdateStatus_MissingRequest(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE host_requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, workflow_id`).
		WillReturnRows(sqlmock.NewRows(requestColumnsList()))

	err := s.UpdateStatus(context.Background(), "ghost", models.StatusDeclined, "")

	assert.True(t, errors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// ExpireOverdue
// ==========================

func TestRequestStore_ExpireOverdue_ReturnsExpiredRows(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	rows := requestRow("req-1", "user-1", 1, "expired")
	mock.ExpectQuery(`UPDATE host_requests`).
		WithArgs(testNow).
		WillReturnRows(rows)

	expired, err := s.ExpireOverdue(context.Background())

	assert.NoError(t, err)
	assert.Len(t, expired, 1)
	assert.Equal(t, "req-1", expired[0].ID)
	assert.Equal(t, models.StatusExpired, expired[0].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStore_ExpireOverdue_SecondCallFindsNothing(t *testing.T) {
	s, mock, db := newTestRequestStore(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE host_requests`).
		WillReturnRows(sqlmock.NewRows(requestColumnsList()))

	expired, err := s.ExpireOverdue(context.Background())

	assert.NoError(t, err)
	assert.Empty(t, expired)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Deadline helpers
// ==========================

func TestRequestStore_IsExpired(t *testing.T) {
	s, _, db := newTestRequestStore(t)
	defer db.Close()

	past := testNow.Add(-time.Minute)
	future := testNow.Add(time.Minute)

	assert.True(t, s.IsExpired(&models.Request{ExpiresAt: &past}))
	assert.False(t, s.IsExpired(&models.Request{ExpiresAt: &future}))
	assert.False(t, s.IsExpired(&models.Request{}))
	assert.False(t, s.IsExpired(nil))
}

func TestRequestStore_RemainingMinutes_NeverNegative(t *testing.T) {
	s, _, db := newTestRequestStore(t)
	defer db.Close()

	past := testNow.Add(-90 * time.Minute)
	future := testNow.Add(90 * time.Minute)

	assert.Equal(t, 0, s.RemainingMinutes(&models.Request{ExpiresAt: &past}))
	assert.Equal(t, 90, s.RemainingMinutes(&models.Request{ExpiresAt: &future}))
	assert.Equal(t, 0, s.RemainingMinutes(nil))
}
