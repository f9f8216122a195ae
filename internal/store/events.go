// internal/store/events.go
package store

import (
	"context"
	"database/sql"
	"time"

	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/models"
)

// EventStore is a read-only view over the event catalog. Events are owned by
// another service; the only column this engine writes is host_user_id, and
// that happens inside WorkflowStore.Complete.
type EventStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewEventStore(db *sql.DB, log logger.Logger) *EventStore {
	return &EventStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "event-store"}),
	}
}

func (s *EventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, event_type, starts_at, host_user_id
		FROM events WHERE id = $1`, id)

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("event", id)
	}
	if err != nil {
		return nil, errors.NewPersistenceFailureError("event.get", err)
	}
	return ev, nil
}

// ListNeedingHost returns upcoming events in [from, to) that have no host
// and no workflow yet, ordered soonest-first. Input for the weekly panel.
func (s *EventStore) ListNeedingHost(ctx context.Context, from, to time.Time) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.title, e.event_type, e.starts_at, e.host_user_id
		FROM events e
		LEFT JOIN host_workflows w ON w.event_id = e.id
		WHERE e.host_user_id IS NULL
		  AND w.id IS NULL
		  AND e.starts_at >= $1
		  AND e.starts_at < $2
		ORDER BY e.starts_at ASC`, from, to)
	if err != nil {
		return nil, errors.NewPersistenceFailureError("event.list_needing_host", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.NewPersistenceFailureError("event.list_needing_host", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceFailureError("event.list_needing_host", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var hostUserID sql.NullString
	if err := row.Scan(&ev.ID, &ev.Title, &ev.EventType, &ev.StartsAt, &hostUserID); err != nil {
		return nil, err
	}
	if hostUserID.Valid {
		ev.HostUserID = hostUserID.String
	}
	return &ev, nil
}
