// internal/store/requests.go
package store

import (
	"context"
	"database/sql"
	"time"

	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const requestColumns = `id, workflow_id, event_id, user_id, priority, status, message, external_message_ref, expires_at, created_at`

// RequestStore owns per-candidate request records. Status transitions are
// guarded: a terminal request never mutates again, so a stale callback cannot
// reopen a resolved invitation.
type RequestStore struct {
	db      *sql.DB
	timeout time.Duration
	logger  logger.Logger
	now     func() time.Time
}

func NewRequestStore(db *sql.DB, requestTimeout time.Duration, log logger.Logger) *RequestStore {
	return &RequestStore{
		db:      db,
		timeout: requestTimeout,
		logger:  log.WithFields(map[string]interface{}{"component": "request-store"}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new request in waiting state. The expiry deadline defaults
// to now + the configured timeout; it only starts to matter once the request
// is activated.
func (s *RequestStore) Create(ctx context.Context, workflowID, eventID, userID string, priority int, message string) (*models.Request, error) {
	req := &models.Request{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		EventID:    eventID,
		UserID:     userID,
		Priority:   priority,
		Status:     models.StatusWaiting,
		Message:    message,
		CreatedAt:  s.now(),
	}
	expiresAt := s.now().Add(s.timeout)
	req.ExpiresAt = &expiresAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_requests (id, workflow_id, event_id, user_id, priority, status, message, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.WorkflowID, req.EventID, req.UserID, req.Priority, string(req.Status), nullString(req.Message), expiresAt, req.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return nil, errors.NewAlreadyExistsError("request", userID)
		}
		return nil, errors.NewPersistenceFailureError("request.create", err)
	}

	return req, nil
}

// Get fetches a request by its ID.
func (s *RequestStore) Get(ctx context.Context, id string) (*models.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM host_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("request", id)
	}
	if err != nil {
		return nil, errors.NewPersistenceFailureError("request.get", err)
	}
	return req, nil
}

// GetByExternalRef resolves the request a notification message belongs to.
func (s *RequestStore) GetByExternalRef(ctx context.Context, ref string) (*models.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM host_requests WHERE external_message_ref = $1`, ref)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("request", ref)
	}
	if err != nil {
		return nil, errors.NewPersistenceFailureError("request.get_by_external_ref", err)
	}
	return req, nil
}

// ListByEvent returns the event's requests ordered by priority. An empty
// status filters nothing.
func (s *RequestStore) ListByEvent(ctx context.Context, eventID string, status models.RequestStatus) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM host_requests WHERE event_id = $1`
	args := []interface{}{eventID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority ASC`

	return s.list(ctx, "request.list_by_event", query, args...)
}

// ListByUser returns a user's requests, newest first.
func (s *RequestStore) ListByUser(ctx context.Context, userID string, status models.RequestStatus) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM host_requests WHERE user_id = $1`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	return s.list(ctx, "request.list_by_user", query, args...)
}

func (s *RequestStore) list(ctx context.Context, op, query string, args ...interface{}) ([]*models.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceFailureError(op, err)
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.NewPersistenceFailureError(op, err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceFailureError(op, err)
	}
	return out, nil
}

// UpdateStatus performs a guarded transition. The update only succeeds while
// the row is still non-terminal; a duplicate or stale callback gets
// InvalidState instead of silently resurrecting a resolved request.
func (s *RequestStore) UpdateStatus(ctx context.Context, id string, newStatus models.RequestStatus, externalMessageRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE host_requests
		SET status = $2, external_message_ref = COALESCE($3, external_message_ref)
		WHERE id = $1 AND status NOT IN ('accepted', 'declined', 'expired')`,
		id, string(newStatus), nullString(externalMessageRef))
	if err != nil {
		return errors.NewPersistenceFailureError("request.update_status", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.NewPersistenceFailureError("request.update_status", err)
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return errors.NewInvalidStateError("request " + id + " is already " + string(current.Status))
	}

	s.logger.Info("request status updated", map[string]interface{}{
		"requestId": id,
		"status":    string(newStatus),
	})
	return nil
}

// ExpireOverdue batch-transitions pending requests whose deadline passed and
// returns them so the sweep can drive escalation per workflow. Idempotent: a
// second consecutive call finds nothing left to expire.
func (s *RequestStore) ExpireOverdue(ctx context.Context) ([]*models.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE host_requests
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
		RETURNING `+requestColumns, s.now())
	if err != nil {
		return nil, errors.NewPersistenceFailureError("request.expire_overdue", err)
	}
	defer rows.Close()

	var expired []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.NewPersistenceFailureError("request.expire_overdue", err)
		}
		expired = append(expired, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceFailureError("request.expire_overdue", err)
	}

	if len(expired) > 0 {
		s.logger.Info("expired overdue requests", map[string]interface{}{
			"count": len(expired),
		})
	}
	return expired, nil
}

// IsExpired is computable from the deadline alone, independent of the stored
// status, so a logically expired request is recognized before the sweep runs.
func (s *RequestStore) IsExpired(req *models.Request) bool {
	if req == nil || req.ExpiresAt == nil {
		return false
	}
	return req.ExpiresAt.Before(s.now())
}

// RemainingMinutes returns whole minutes until the deadline, never negative.
func (s *RequestStore) RemainingMinutes(req *models.Request) int {
	if req == nil || req.ExpiresAt == nil {
		return 0
	}
	remaining := req.ExpiresAt.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return int(remaining.Minutes())
}

// rowScanner lets scanRequest work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var req models.Request
	var status string
	var message, externalRef sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(&req.ID, &req.WorkflowID, &req.EventID, &req.UserID, &req.Priority,
		&status, &message, &externalRef, &expiresAt, &req.CreatedAt)
	if err != nil {
		return nil, err
	}

	parsed, err := models.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	req.Status = parsed
	req.Message = message.String
	req.ExternalMessageRef = externalRef.String
	if expiresAt.Valid {
		t := expiresAt.Time
		req.ExpiresAt = &t
	}

	return &req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
