// internal/store/workflows.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// WorkflowStore owns per-event workflow aggregates and is the only component
// that mutates request statuses in cascades. Every multi-row mutation runs in
// a single transaction; the at-most-one-pending invariant is enforced by
// conditional updates plus a partial unique index on (workflow_id) where
// status = 'pending'.
type WorkflowStore struct {
	db      *sql.DB
	timeout time.Duration
	logger  logger.Logger
	now     func() time.Time
}

func NewWorkflowStore(db *sql.DB, requestTimeout time.Duration, log logger.Logger) *WorkflowStore {
	return &WorkflowStore{
		db:      db,
		timeout: requestTimeout,
		logger:  log.WithFields(map[string]interface{}{"component": "workflow-store"}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams describes a new workflow. Candidates are the ranked user IDs,
// best first; their slice order becomes the priority sequence 1..N.
type CreateParams struct {
	EventID          string
	AllowPublicApply bool
	CustomMessage    string
	Candidates       []string
}

// Create inserts the workflow and all candidate requests (all waiting) in one
// transaction. A second workflow for the same event fails with AlreadyExists.
func (s *WorkflowStore) Create(ctx context.Context, params CreateParams) (*models.Workflow, error) {
	wf := &models.Workflow{
		ID:               uuid.NewString(),
		EventID:          params.EventID,
		AllowPublicApply: params.AllowPublicApply,
		CustomMessage:    params.CustomMessage,
		CreatedAt:        s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.create", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO host_workflows (id, event_id, allow_public_apply, custom_message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		wf.ID, wf.EventID, wf.AllowPublicApply, nullString(wf.CustomMessage), wf.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return nil, errors.NewAlreadyExistsError("workflow", params.EventID)
		}
		return nil, errors.NewPersistenceFailureError("workflow.create", err)
	}

	expiresAt := s.now().Add(s.timeout)
	for i, userID := range params.Candidates {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO host_requests (id, workflow_id, event_id, user_id, priority, status, message, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.NewString(), wf.ID, wf.EventID, userID, i+1, string(models.StatusWaiting),
			nullString(params.CustomMessage), expiresAt, s.now())
		if err != nil {
			return nil, errors.NewPersistenceFailureError("workflow.create_requests", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.create", err)
	}

	s.logger.Info("workflow created", map[string]interface{}{
		"eventId":    params.EventID,
		"workflowId": wf.ID,
		"candidates": len(params.Candidates),
	})
	return wf, nil
}

// Get returns the event's workflow, or NotFound.
func (s *WorkflowStore) Get(ctx context.Context, eventID string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, allow_public_apply, custom_message, public_apply_message_id, created_at
		FROM host_workflows WHERE event_id = $1`, eventID)

	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("workflow", eventID)
	}
	if err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.get", err)
	}
	return wf, nil
}

// Start activates the priority-1 request: waiting -> pending with a fresh
// deadline. The conditional update refuses when any request is already
// pending or priority 1 left waiting, so starting twice is InvalidState.
// The returned request still needs its notification sent by the caller.
func (s *WorkflowStore) Start(ctx context.Context, eventID string) (*models.Request, error) {
	wf, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE host_requests
		SET status = 'pending', expires_at = $2
		WHERE workflow_id = $1 AND priority = 1 AND status = 'waiting'
		  AND NOT EXISTS (
			SELECT 1 FROM host_requests WHERE workflow_id = $1 AND status = 'pending'
		  )
		RETURNING `+requestColumns, wf.ID, s.now().Add(s.timeout))

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewInvalidStateError("workflow for event " + eventID + " already started or has no candidates")
	}
	if err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.start", err)
	}

	s.logger.Info("workflow started", map[string]interface{}{
		"eventId":   eventID,
		"requestId": req.ID,
		"userId":    req.UserID,
	})
	return req, nil
}

// ProceedToNext advances the escalation chain as one atomic
// read-check-write. Inside the transaction it first checks for a live
// pending request: finding one means a concurrent caller already advanced,
// which surfaces as Conflict so the loser treats it as handled. Otherwise it
// activates the lowest-priority waiting request; contiguous priorities make
// that exactly currentPriority+1. A nil request with nil error signals
// exhaustion: every candidate has been asked and none accepted.
func (s *WorkflowStore) ProceedToNext(ctx context.Context, eventID string) (*models.Request, error) {
	wf, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.proceed", err)
	}
	defer tx.Rollback()

	// Serialize advances per workflow. Under READ COMMITTED two concurrent
	// callers could otherwise both pass the pending check below.
	var lockedID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM host_workflows WHERE id = $1 FOR UPDATE`, wf.ID).Scan(&lockedID)
	if err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.proceed", err)
	}

	var pendingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM host_requests
		WHERE workflow_id = $1 AND status = 'pending'
		FOR UPDATE`, wf.ID).Scan(&pendingID)
	if err == nil {
		return nil, errors.NewConflictError("workflow for event " + eventID + " already has an active candidate")
	}
	if err != sql.ErrNoRows {
		return nil, errors.NewPersistenceFailureError("workflow.proceed", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE host_requests
		SET status = 'pending', expires_at = $2
		WHERE id = (
			SELECT id FROM host_requests
			WHERE workflow_id = $1 AND status = 'waiting'
			ORDER BY priority ASC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+requestColumns, wf.ID, s.now().Add(s.timeout))

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		// Exhausted: nothing left to activate.
		if err := tx.Commit(); err != nil {
			return nil, errors.NewPersistenceFailureError("workflow.proceed", err)
		}
		s.logger.Info("workflow exhausted", map[string]interface{}{"eventId": eventID})
		return nil, nil
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			// The partial unique index caught a racer the row lock missed.
			return nil, errors.NewConflictError("workflow for event " + eventID + " already has an active candidate")
		}
		return nil, errors.NewPersistenceFailureError("workflow.proceed", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.proceed", err)
	}

	s.logger.Info("escalated to next candidate", map[string]interface{}{
		"eventId":   eventID,
		"requestId": req.ID,
		"userId":    req.UserID,
		"priority":  req.Priority,
	})
	return req, nil
}

// Complete records the accepted host as one atomic unit: accept the host's
// request, decline any other pending request, and set the event's host.
// Acceptance is allowed from pending or, for the out-of-band admin path,
// waiting; never from a terminal state. Calling again for the
// already-accepted user is a no-op; a different accepted user is Conflict.
// Declined/expired candidates stay terminal; untouched waiting candidates
// keep their historical waiting status.
func (s *WorkflowStore) Complete(ctx context.Context, eventID, hostUserID string) error {
	wf, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.complete", err)
	}
	defer tx.Rollback()

	var acceptedUser string
	err = tx.QueryRowContext(ctx, `
		SELECT user_id FROM host_requests
		WHERE workflow_id = $1 AND status = 'accepted'
		FOR UPDATE`, wf.ID).Scan(&acceptedUser)
	if err == nil {
		if acceptedUser == hostUserID {
			// Idempotent: this host already accepted.
			if err := tx.Commit(); err != nil {
				return errors.NewPersistenceFailureError("workflow.complete", err)
			}
			return nil
		}
		return errors.NewConflictError("event " + eventID + " already has accepted host " + acceptedUser)
	}
	if err != sql.ErrNoRows {
		return errors.NewPersistenceFailureError("workflow.complete", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE host_requests
		SET status = 'accepted'
		WHERE workflow_id = $1 AND user_id = $2 AND status IN ('pending', 'waiting')`,
		wf.ID, hostUserID)
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.complete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.complete", err)
	}
	if affected == 0 {
		return errors.NewConflictError(fmt.Sprintf("request for user %s in event %s is already decided", hostUserID, eventID))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE host_requests
		SET status = 'declined'
		WHERE workflow_id = $1 AND user_id <> $2 AND status = 'pending'`,
		wf.ID, hostUserID)
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.complete", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE events SET host_user_id = $2 WHERE id = $1`, eventID, hostUserID)
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.complete", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewPersistenceFailureError("workflow.complete", err)
	}

	s.logger.Info("workflow completed", map[string]interface{}{
		"eventId": eventID,
		"hostId":  hostUserID,
	})
	return nil
}

// Cancel bulk-declines every non-terminal request. The workflow row is kept
// for audit history.
func (s *WorkflowStore) Cancel(ctx context.Context, eventID string) error {
	wf, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE host_requests
		SET status = 'declined'
		WHERE workflow_id = $1 AND status IN ('waiting', 'pending')`, wf.ID)
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.cancel", err)
	}

	s.logger.Info("workflow cancelled", map[string]interface{}{"eventId": eventID})
	return nil
}

// SetPublicApplyMessage records the message handle of the public apply post.
func (s *WorkflowStore) SetPublicApplyMessage(ctx context.Context, eventID, messageRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE host_workflows SET public_apply_message_id = $2 WHERE event_id = $1`,
		eventID, messageRef)
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.set_public_apply_message", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.NewPersistenceFailureError("workflow.set_public_apply_message", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("workflow", eventID)
	}
	return nil
}

// Progress returns the read-only status projection for an event's workflow.
func (s *WorkflowStore) Progress(ctx context.Context, eventID string) (*models.Progress, error) {
	wf, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM host_requests
		WHERE workflow_id = $1 ORDER BY priority ASC`, wf.ID)
	if err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.progress", err)
	}
	defer rows.Close()

	progress := &models.Progress{Workflow: wf}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.NewPersistenceFailureError("workflow.progress", err)
		}
		progress.Requests = append(progress.Requests, req)
		if req.Status == models.StatusPending {
			progress.CurrentRequest = req
			progress.CurrentPosition = req.Priority
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceFailureError("workflow.progress", err)
	}
	progress.TotalCandidates = len(progress.Requests)

	return progress, nil
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var wf models.Workflow
	var customMessage, publicApplyMessageID sql.NullString

	err := row.Scan(&wf.ID, &wf.EventID, &wf.AllowPublicApply, &customMessage, &publicApplyMessageID, &wf.CreatedAt)
	if err != nil {
		return nil, err
	}
	wf.CustomMessage = customMessage.String
	wf.PublicApplyMessageID = publicApplyMessageID.String
	return &wf, nil
}
