// internal/scheduler/launch.go
package scheduler

import (
	"context"
	"fmt"

	"hostflow/internal/models"
	"hostflow/internal/ranker"
	"hostflow/internal/store"
)

// LaunchParams describes an operator-initiated host search.
type LaunchParams struct {
	EventID          string
	AllowPublicApply bool
	CustomMessage    string
}

// Launch runs the full kickoff for one event: rank the candidates, persist
// the workflow, activate priority 1 and send the first invitation. Returns
// the activated request, or nil when no eligible candidate exists (the event
// then only gets the public-apply path, if enabled).
func (s *Scheduler) Launch(ctx context.Context, params LaunchParams) (*models.Request, error) {
	scores, err := s.ranker.Rank(ctx, ranker.Options{
		EventID:   params.EventID,
		EventType: s.eventType(ctx, params.EventID),
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(scores))
	for _, sc := range scores {
		candidates = append(candidates, sc.UserID)
	}

	wf, err := s.workflows.Create(ctx, store.CreateParams{
		EventID:          params.EventID,
		AllowPublicApply: params.AllowPublicApply,
		CustomMessage:    params.CustomMessage,
		Candidates:       candidates,
	})
	if err != nil {
		return nil, err
	}

	if params.AllowPublicApply {
		s.postPublicApply(ctx, wf)
	}

	if len(candidates) == 0 {
		return nil, s.handleNoCandidates(ctx, params.EventID)
	}

	first, err := s.workflows.Start(ctx, params.EventID)
	if err != nil {
		return nil, err
	}

	ref, err := s.sendInvitation(ctx, first)
	if err != nil {
		// Same policy as mid-chain sends: skip the unreachable candidate.
		if s.alerts != nil {
			_ = s.alerts.PublishSendFailure(ctx, params.EventID, first.UserID)
		}
		if err := s.requests.UpdateStatus(ctx, first.ID, models.StatusDeclined, ""); err != nil {
			return nil, err
		}
		return nil, s.AdvanceWorkflow(ctx, params.EventID, "send_failure")
	}

	if err := s.requests.UpdateStatus(ctx, first.ID, models.StatusPending, ref); err != nil {
		return nil, err
	}
	if s.bridge != nil {
		s.bridge.Bind(ctx, ref, first.ID)
	}
	first.ExternalMessageRef = ref

	s.logger.Info("host search launched", map[string]interface{}{
		"eventId":    params.EventID,
		"candidates": len(candidates),
		"firstUser":  first.UserID,
	})
	return first, nil
}

func (s *Scheduler) postPublicApply(ctx context.Context, wf *models.Workflow) {
	content := fmt.Sprintf("Looking for a host for event %s — anyone can apply by replying here.", wf.EventID)
	if ev, err := s.events.Get(ctx, wf.EventID); err == nil {
		content = fmt.Sprintf("Looking for a host for **%s** on %s — anyone can apply by replying here.",
			ev.Title, ev.StartsAt.Format("Mon Jan 2 15:04"))
	}

	ref, err := s.gateway.PostToChannel(ctx, s.escalationChannelID, content)
	if err != nil {
		s.logger.Warn("public apply post failed", map[string]interface{}{
			"eventId": wf.EventID,
			"error":   err.Error(),
		})
		return
	}
	if err := s.workflows.SetPublicApplyMessage(ctx, wf.EventID, ref); err != nil {
		s.logger.Warn("public apply ref not recorded", map[string]interface{}{
			"eventId": wf.EventID,
			"error":   err.Error(),
		})
	}
}

func (s *Scheduler) eventType(ctx context.Context, eventID string) string {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return ""
	}
	return ev.EventType
}
