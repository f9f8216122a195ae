// internal/callback/handler.go
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/models"
	"hostflow/internal/notify"
	"hostflow/internal/store"

	"github.com/xeipuuv/gojsonschema"
)

// payloadSchema rejects malformed callbacks before any state is touched.
const payloadSchema = `{
	"type": "object",
	"required": ["messageRef", "userId", "action"],
	"properties": {
		"messageRef":   {"type": "string", "minLength": 1},
		"userId":       {"type": "string", "minLength": 1},
		"action":       {"type": "string", "enum": ["accept", "decline", "propose_date"]},
		"proposedDate": {"type": "string"}
	},
	"additionalProperties": false
}`

// Payload is an inbound button callback from the chat platform.
type Payload struct {
	MessageRef   string `json:"messageRef"`
	UserID       string `json:"userId"`
	Action       string `json:"action"`
	ProposedDate string `json:"proposedDate,omitempty"`
}

// Correlator resolves message handles to request IDs.
type Correlator interface {
	Correlate(ctx context.Context, messageRef string) (string, error)
	Forget(ctx context.Context, messageRef string)
}

// Advancer moves a workflow to its next candidate after a decline.
type Advancer interface {
	AdvanceWorkflow(ctx context.Context, eventID, trigger string) error
}

// Handler is the only surface UI callbacks may mutate state through. Every
// mutation goes through the guarded store operations, so a stale or
// duplicate callback lands as a no-op instead of corrupting a workflow.
type Handler struct {
	requests  *store.RequestStore
	workflows *store.WorkflowStore
	events    *store.EventStore
	gateway   notify.Gateway
	bridge    Correlator
	advancer  Advancer

	escalationChannelID string
	schema              *gojsonschema.Schema
	errHandler          *errors.ErrorHandler
	logger              logger.Logger
}

func NewHandler(
	requests *store.RequestStore,
	workflows *store.WorkflowStore,
	events *store.EventStore,
	gateway notify.Gateway,
	bridge Correlator,
	advancer Advancer,
	escalationChannelID string,
	log logger.Logger,
) (*Handler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchema))
	if err != nil {
		return nil, err
	}
	return &Handler{
		requests:            requests,
		workflows:           workflows,
		events:              events,
		gateway:             gateway,
		bridge:              bridge,
		advancer:            advancer,
		escalationChannelID: escalationChannelID,
		schema:              schema,
		errHandler:          errors.NewErrorHandler(log),
		logger:              log.WithFields(map[string]interface{}{"component": "callback-handler"}),
	}, nil
}

// Handle validates, correlates and dispatches one raw callback. Lost races
// and stale callbacks resolve to a friendly "already handled" edit on the
// original message, not an error.
func (h *Handler) Handle(ctx context.Context, raw []byte) error {
	payload, err := h.parse(raw)
	if err != nil {
		h.errHandler.Handle("callback.parse", err, nil)
		return err
	}

	requestID, err := h.bridge.Correlate(ctx, payload.MessageRef)
	if err != nil {
		h.errHandler.Handle("callback.correlate", err, map[string]interface{}{
			"messageRef": payload.MessageRef,
		})
		return err
	}

	req, err := h.requests.Get(ctx, requestID)
	if err != nil {
		return h.errHandler.Handle("callback.load", err, map[string]interface{}{
			"requestId": requestID,
		})
	}

	if req.UserID != payload.UserID {
		err := errors.NewValidationFailedError(
			fmt.Sprintf("callback user %s does not match invited candidate", payload.UserID))
		h.errHandler.Handle("callback.authorize", err, map[string]interface{}{
			"requestId": req.ID,
		})
		return err
	}

	switch payload.Action {
	case "accept":
		return h.handleAccept(ctx, req, payload)
	case "decline":
		return h.handleDecline(ctx, req, payload)
	case "propose_date":
		return h.handleProposeDate(ctx, req, payload)
	}
	// Unreachable: the schema already pinned the action enum.
	return errors.NewValidationFailedError("unknown action " + payload.Action)
}

func (h *Handler) parse(raw []byte) (*Payload, error) {
	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.NewValidationFailedError(err.Error())
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, errors.NewValidationFailedError(strings.Join(details, "; "))
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.NewValidationFailedError(err.Error())
	}
	return &payload, nil
}

func (h *Handler) handleAccept(ctx context.Context, req *models.Request, payload *Payload) error {
	err := h.workflows.Complete(ctx, req.EventID, req.UserID)
	if err != nil {
		if errors.IsConflict(err) || errors.IsInvalidState(err) {
			// Someone else got there first, or the request expired.
			h.editQuietly(ctx, payload.MessageRef, "This invitation was already resolved. Thanks anyway!")
			h.errHandler.Handle("callback.accept", err, map[string]interface{}{
				"requestId": req.ID,
			})
			return nil
		}
		return h.errHandler.Handle("callback.accept", err, map[string]interface{}{
			"requestId": req.ID,
		})
	}

	h.editQuietly(ctx, payload.MessageRef, "You're confirmed as the host. Thank you!")
	h.bridge.Forget(ctx, payload.MessageRef)
	h.announceHost(ctx, req)

	h.logger.Info("invitation accepted", map[string]interface{}{
		"requestId": req.ID,
		"eventId":   req.EventID,
		"userId":    req.UserID,
	})
	return nil
}

func (h *Handler) handleDecline(ctx context.Context, req *models.Request, payload *Payload) error {
	err := h.requests.UpdateStatus(ctx, req.ID, models.StatusDeclined, "")
	if err != nil {
		if errors.IsInvalidState(err) {
			// Already terminal: a duplicate click or an expiry beat us.
			h.editQuietly(ctx, payload.MessageRef, "This invitation was already resolved.")
			return nil
		}
		return h.errHandler.Handle("callback.decline", err, map[string]interface{}{
			"requestId": req.ID,
		})
	}

	h.editQuietly(ctx, payload.MessageRef, "You've declined this invitation. Thanks for the quick answer!")
	h.bridge.Forget(ctx, payload.MessageRef)

	h.logger.Info("invitation declined", map[string]interface{}{
		"requestId": req.ID,
		"eventId":   req.EventID,
		"userId":    req.UserID,
	})

	if err := h.advancer.AdvanceWorkflow(ctx, req.EventID, "decline"); err != nil {
		return h.errHandler.Handle("callback.advance", err, map[string]interface{}{
			"eventId": req.EventID,
		})
	}
	return nil
}

// handleProposeDate relays the counter-proposal to the staff channel. The
// invitation stays pending; only staff can act on the proposal.
func (h *Handler) handleProposeDate(ctx context.Context, req *models.Request, payload *Payload) error {
	note := fmt.Sprintf("Candidate %s proposed another date for event %s", req.UserID, req.EventID)
	if payload.ProposedDate != "" {
		note += ": " + payload.ProposedDate
	}

	if _, err := h.gateway.PostToChannel(ctx, h.escalationChannelID, note); err != nil {
		return h.errHandler.Handle("callback.propose_date", err, map[string]interface{}{
			"requestId": req.ID,
		})
	}

	h.editQuietly(ctx, payload.MessageRef, "Your date proposal was passed on to the organizers. The invitation stays open meanwhile.")

	h.logger.Info("date proposed", map[string]interface{}{
		"requestId": req.ID,
		"eventId":   req.EventID,
		"userId":    req.UserID,
	})
	return nil
}

func (h *Handler) announceHost(ctx context.Context, req *models.Request) {
	content := fmt.Sprintf("%s will host event %s.", req.UserID, req.EventID)
	if ev, err := h.events.Get(ctx, req.EventID); err == nil {
		content = fmt.Sprintf("%s will host **%s** on %s.", req.UserID, ev.Title, ev.StartsAt.Format("Mon Jan 2 15:04"))
	}
	if _, err := h.gateway.PostToChannel(ctx, h.escalationChannelID, content); err != nil {
		h.logger.Warn("host announcement failed", map[string]interface{}{
			"eventId": req.EventID,
			"error":   err.Error(),
		})
	}
}

func (h *Handler) editQuietly(ctx context.Context, messageRef, content string) {
	if err := h.gateway.EditMessage(ctx, messageRef, content); err != nil {
		h.logger.Warn("message edit failed", map[string]interface{}{
			"messageRef": messageRef,
			"error":      err.Error(),
		})
	}
}
