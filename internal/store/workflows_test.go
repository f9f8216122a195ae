// internal/store/workflows_test.go
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

func newTestWorkflowStore(t *testing.T) (*WorkflowStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	s := NewWorkflowStore(db, 24*time.Hour, logger.NewTestLogger(t))
	s.now = func() time.Time { return testNow }
	return s, mock, db
}

func workflowRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "event_id", "allow_public_apply",
		"custom_message", "public_apply_message_id", "created_at"}).
		AddRow("wf-1", "event-1", true, "join us", nil, testNow)
}

func expectWorkflowLookup(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT id, event_id, allow_public_apply`).
		WithArgs("event-1").
		WillReturnRows(workflowRow())
}

func expectWorkflowRowLock(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT id FROM host_workflows`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wf-1"))
}

// ==========================
// Create
// ==========================

func TestWorkflowStore_Create_InsertsAllCandidatesWaiting(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO host_workflows`).
		WithArgs(sqlmock.AnyArg(), "event-1", true, sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	for i, userID := range []string{"user-a", "user-b", "user-c"} {
		mock.ExpectExec(`INSERT INTO host_requests`).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "event-1", userID, i+1,
				"waiting", sqlmock.AnyArg(), testNow.Add(24*time.Hour), testNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	wf, err := s.Create(context.Background(), CreateParams{
		EventID:          "event-1",
		AllowPublicApply: true,
		CustomMessage:    "join us",
		Candidates:       []string{"user-a", "user-b", "user-c"},
	})

	assert.NoError(t, err)
	assert.Equal(t, "event-1", wf.EventID)
	assert.NotEmpty(t, wf.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_Create_DuplicateEvent(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO host_workflows`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	wf, err := s.Create(context.Background(), CreateParams{EventID: "event-1"})

	assert.Nil(t, wf)
	assert.True(t, errors.IsAlreadyExists(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Start
// ==========================

func TestWorkflowStore_Start_ActivatesPriorityOne(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectQuery(`UPDATE host_requests`).
		WithArgs("wf-1", testNow.Add(24*time.Hour)).
		WillReturnRows(requestRow("req-1", "user-a", 1, "pending"))

	req, err := s.Start(context.Background(), "event-1")

	assert.NoError(t, err)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, 1, req.Priority)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_Start_AlreadyStarted(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectQuery(`UPDATE host_requests`).
		WillReturnRows(sqlmock.NewRows(requestColumnsList()))

	req, err := s.Start(context.Background(), "event-1")

	assert.Nil(t, req)
	assert.True(t, errors.IsInvalidState(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_Start_NoWorkflow(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, event_id, allow_public_apply`).
		WithArgs("event-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "allow_public_apply",
			"custom_message", "public_apply_message_id", "created_at"}))

	req, err := s.Start(context.Background(), "event-1")

	assert.Nil(t, req)
	assert.True(t, errors.IsNotFound(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// ProceedToNext
// ==========================

func TestWorkflowStore_ProceedToNext_ActivatesNextWaiting(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	expectWorkflowRowLock(mock)
	// No live pending request.
	mock.ExpectQuery(`SELECT id FROM host_requests`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`UPDATE host_requests`).
		WithArgs("wf-1", testNow.Add(24*time.Hour)).
		WillReturnRows(requestRow("req-2", "user-b", 2, "pending"))
	mock.ExpectCommit()

	req, err := s.ProceedToNext(context.Background(), "event-1")

	assert.NoError(t, err)
	assert.Equal(t, "user-b", req.UserID)
	assert.Equal(t, 2, req.Priority)
	assert.Equal(t, models.StatusPending, req.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_ProceedToNext_LosesRaceToConcurrentAdvance(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	expectWorkflowRowLock(mock)
	mock.ExpectQuery(`SELECT id FROM host_requests`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("req-9"))
	mock.ExpectRollback()

	req, err := s.ProceedToNext(context.Background(), "event-1")

	assert.Nil(t, req)
	assert.True(t, errors.IsConflict(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_ProceedToNext_Exhausted(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	expectWorkflowRowLock(mock)
	mock.ExpectQuery(`SELECT id FROM host_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`UPDATE host_requests`).
		WillReturnRows(sqlmock.NewRows(requestColumnsList()))
	mock.ExpectCommit()

	req, err := s.ProceedToNext(context.Background(), "event-1")

	assert.Nil(t, req)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_ProceedToNext_UniqueIndexRaceIsConflict(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	expectWorkflowRowLock(mock)
	mock.ExpectQuery(`SELECT id FROM host_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// A racer slipped past the row lock; the partial unique index fires.
	mock.ExpectQuery(`UPDATE host_requests`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	req, err := s.ProceedToNext(context.Background(), "event-1")

	assert.Nil(t, req)
	assert.True(t, errors.IsConflict(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Complete
// ==========================

func TestWorkflowStore_Complete_AcceptsAndCascades(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	// No prior accepted request.
	mock.ExpectQuery(`SELECT user_id FROM host_requests`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	// Accept the host's request.
	mock.ExpectExec(`UPDATE host_requests`).
		WithArgs("wf-1", "user-b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Decline any other pending request; waiting rows stay untouched.
	mock.ExpectExec(`UPDATE host_requests`).
		WithArgs("wf-1", "user-b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE events`).
		WithArgs("event-1", "user-b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Complete(context.Background(), "event-1", "user-b")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_Complete_IdempotentForAcceptedHost(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM host_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-b"))
	mock.ExpectCommit()

	err := s.Complete(context.Background(), "event-1", "user-b")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_Complete_ConflictWhenDifferentHostAccepted(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM host_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-a"))
	mock.ExpectRollback()

	err := s.Complete(context.Background(), "event-1", "user-b")

	assert.True(t, errors.IsConflict(err))
	assert.Contains(t, err.Error(), "user-a")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_Complete_ConflictWhenTargetAlreadyDecided(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM host_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	// The candidate's own request is already declined or expired.
	mock.ExpectExec(`UPDATE host_requests`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Complete(context.Background(), "event-1", "user-b")

	assert.True(t, errors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Cancel / Progress
// ==========================

func TestWorkflowStore_Cancel_DeclinesNonTerminalRequests(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expectWorkflowLookup(mock)
	mock.ExpectExec(`UPDATE host_requests`).
		WithArgs("wf-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := s.Cancel(context.Background(), "event-1")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowStore_Progress_ReportsCurrentPosition(t *testing.T) {
	s, mock, db := newTestWorkflowStore(t)
	defer db.Close()

	expires := testNow.Add(24 * time.Hour)
	rows := sqlmock.NewRows(requestColumnsList()).
		AddRow("req-1", "wf-1", "event-1", "user-a", 1, "declined", nil, "msg-1", expires, testNow).
		AddRow("req-2", "wf-1", "event-1", "user-b", 2, "pending", nil, "msg-2", expires, testNow).
		AddRow("req-3", "wf-1", "event-1", "user-c", 3, "waiting", nil, nil, expires, testNow)

	expectWorkflowLookup(mock)
	mock.ExpectQuery(`SELECT id, workflow_id`).
		WithArgs("wf-1").
		WillReturnRows(rows)

	progress, err := s.Progress(context.Background(), "event-1")

	assert.NoError(t, err)
	assert.Equal(t, 3, progress.TotalCandidates)
	assert.Equal(t, 2, progress.CurrentPosition)
	assert.Equal(t, "req-2", progress.CurrentRequest.ID)
	assert.Len(t, progress.Requests, 3)

	assert.NoError(t, mock.ExpectationsWereMet())
}
