// internal/models/host_request.go
package models

import (
	"fmt"
	"strings"
	"time"
)

// RequestStatus is the canonical status enum for host requests. Persistence
// and callback adapters normalize external casing through ParseStatus; business
// logic only ever sees these values.
type RequestStatus string

const (
	StatusWaiting  RequestStatus = "waiting"
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusDeclined RequestStatus = "declined"
	StatusExpired  RequestStatus = "expired"
)

// Terminal reports whether no further status mutation is permitted.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusExpired:
		return true
	}
	return false
}

// ParseStatus normalizes an externally supplied status string ("PENDING",
// "Accepted", ...) to the canonical enum.
func ParseStatus(raw string) (RequestStatus, error) {
	switch RequestStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusWaiting:
		return StatusWaiting, nil
	case StatusPending:
		return StatusPending, nil
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusDeclined:
		return StatusDeclined, nil
	case StatusExpired:
		return StatusExpired, nil
	}
	return "", fmt.Errorf("unknown request status %q", raw)
}

// Workflow is the end-to-end host-solicitation process for one event.
// At most one workflow exists per event.
type Workflow struct {
	ID                   string    `json:"id"`
	EventID              string    `json:"eventId"`
	AllowPublicApply     bool      `json:"allowPublicApply"`
	CustomMessage        string    `json:"customMessage,omitempty"`
	PublicApplyMessageID string    `json:"publicApplyMessageId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Request is one candidate's invitation record within a workflow. Priorities
// within a workflow are unique and contiguous from 1.
type Request struct {
	ID                 string        `json:"id"`
	WorkflowID         string        `json:"workflowId"`
	EventID            string        `json:"eventId"`
	UserID             string        `json:"userId"`
	Priority           int           `json:"priority"`
	Status             RequestStatus `json:"status"`
	Message            string        `json:"message,omitempty"`
	ExternalMessageRef string        `json:"externalMessageRef,omitempty"`
	ExpiresAt          *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// CandidateScore is the ephemeral ranking output; it is produced fresh on
// every ranking call and never persisted.
type CandidateScore struct {
	UserID    string `json:"userId"`
	Score     int    `json:"score"`
	ReasonTag string `json:"reasonTag"`
}

// Progress is the read-only projection returned for status reporting.
type Progress struct {
	Workflow        *Workflow  `json:"workflow"`
	Requests        []*Request `json:"requests"`
	CurrentRequest  *Request   `json:"currentRequest,omitempty"`
	TotalCandidates int        `json:"totalCandidates"`
	CurrentPosition int        `json:"currentPosition"`
}

// Event mirrors the externally owned event row; the engine only reads it and
// writes the host assignment on completion.
type Event struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	EventType  string    `json:"eventType"`
	StartsAt   time.Time `json:"startsAt"`
	HostUserID string    `json:"hostUserId,omitempty"`
}
