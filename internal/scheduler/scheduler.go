// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"time"

	"hostflow/internal/common/config"
	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/common/metrics"
	"hostflow/internal/common/observability"
	"hostflow/internal/models"
	"hostflow/internal/notify"
	"hostflow/internal/ranker"
	"hostflow/internal/store"
)

// AlertSink receives operator-facing alerts. Nil-able: a deployment without
// SNS simply logs.
type AlertSink interface {
	PublishExhausted(ctx context.Context, eventID string, candidateCount int) error
	PublishNoCandidates(ctx context.Context, eventID string) error
	PublishSendFailure(ctx context.Context, eventID, userID string) error
}

// DigestSender delivers the weekly panel summary. Nil-able like AlertSink.
type DigestSender interface {
	Send(ctx context.Context, events []*models.Event) error
}

// Binder records message-handle correlations for inbound callbacks.
type Binder interface {
	Bind(ctx context.Context, messageRef, requestID string)
	Forget(ctx context.Context, messageRef string)
}

// Scheduler drives everything time-based: the expiry sweep and the weekly
// panel. It also owns the advance-to-next-candidate routine, which the
// callback handler reuses when a decline arrives.
//
// Deadlines live in the database, not in timers. A missed sweep tick delays
// expiry, it never loses one.
type Scheduler struct {
	workflows *store.WorkflowStore
	requests  *store.RequestStore
	events    *store.EventStore
	ranker    *ranker.Ranker
	gateway   notify.Gateway
	alerts    AlertSink
	digest    DigestSender
	bridge    Binder
	obs       *observability.Observability

	escalationChannelID string
	sweepInterval       time.Duration
	upcomingWindow      time.Duration
	panelWeekday        time.Weekday
	panelTimeOfDay      time.Duration

	logger logger.Logger
	now    func() time.Time
}

type Deps struct {
	Workflows *store.WorkflowStore
	Requests  *store.RequestStore
	Events    *store.EventStore
	Ranker    *ranker.Ranker
	Gateway   notify.Gateway
	Alerts    AlertSink
	Digest    DigestSender
	Bridge    Binder
	Obs       *observability.Observability
}

func New(deps Deps, cfg config.HostRequestConfig, log logger.Logger) (*Scheduler, error) {
	panelTime, err := config.ParsePanelTime(cfg.WeeklyPanelTime)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		workflows:           deps.Workflows,
		requests:            deps.Requests,
		events:              deps.Events,
		ranker:              deps.Ranker,
		gateway:             deps.Gateway,
		alerts:              deps.Alerts,
		digest:              deps.Digest,
		bridge:              deps.Bridge,
		obs:                 deps.Obs,
		escalationChannelID: cfg.EscalationChannelID,
		sweepInterval:       cfg.SweepInterval(),
		upcomingWindow:      time.Duration(cfg.UpcomingWindowDays) * 24 * time.Hour,
		panelWeekday:        time.Weekday(cfg.WeeklyPanelWeekday),
		panelTimeOfDay:      panelTime,
		logger:              log.WithFields(map[string]interface{}{"component": "scheduler"}),
		now:                 func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run blocks until ctx is cancelled, running the sweep on its interval and
// the weekly panel at its fire time.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", map[string]interface{}{
		"sweepInterval": s.sweepInterval.String(),
		"panelWeekday":  s.panelWeekday.String(),
	})

	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	panelTimer := time.NewTimer(time.Until(s.NextWeeklyFireTime(s.now())))
	defer panelTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", nil)
			return
		case <-sweepTicker.C:
			if err := s.RunSweep(ctx); err != nil {
				s.logger.Error("sweep failed", map[string]interface{}{"error": err.Error()})
			}
		case <-panelTimer.C:
			if err := s.RunWeeklyPanel(ctx); err != nil {
				s.logger.Error("weekly panel failed", map[string]interface{}{"error": err.Error()})
			}
			panelTimer.Reset(time.Until(s.NextWeeklyFireTime(s.now())))
		}
	}
}

// RunSweep expires overdue pending requests and advances each affected
// workflow. Expire and advance are always paired so a workflow never sits
// with an expired head and untouched tail. Per-workflow failures are logged
// and skipped; one broken workflow must not stall the rest.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	start := s.now()
	metrics.SweepRuns.Inc()

	expired, err := s.requests.ExpireOverdue(ctx)
	if err != nil {
		s.recordOp(ctx, "sweep", "error")
		return err
	}
	metrics.RequestsExpired.Add(float64(len(expired)))

	for _, req := range expired {
		s.logger.Info("request expired", map[string]interface{}{
			"requestId": req.ID,
			"eventId":   req.EventID,
			"userId":    req.UserID,
		})
		if req.ExternalMessageRef != "" {
			if err := s.gateway.EditMessage(ctx, req.ExternalMessageRef, expiredNotice(req)); err != nil {
				s.logger.Warn("expiry notice edit failed", map[string]interface{}{
					"requestId": req.ID,
					"error":     err.Error(),
				})
			}
			if s.bridge != nil {
				s.bridge.Forget(ctx, req.ExternalMessageRef)
			}
		}
		if err := s.AdvanceWorkflow(ctx, req.EventID, "timeout"); err != nil {
			s.logger.Error("advance after expiry failed", map[string]interface{}{
				"eventId": req.EventID,
				"error":   err.Error(),
			})
		}
	}

	elapsed := s.now().Sub(start)
	metrics.SweepDuration.Observe(elapsed.Seconds())
	s.recordOp(ctx, "sweep", "success")
	if s.obs != nil {
		s.obs.RecordOperationDuration(ctx, "sweep", elapsed)
	}

	s.logger.Info("sweep completed", map[string]interface{}{
		"expired":  len(expired),
		"duration": elapsed.String(),
	})
	return nil
}

// AdvanceWorkflow activates the next waiting candidate for the event and
// sends the invitation. If delivery fails the candidate is marked declined
// and the next one is tried, so an unreachable user cannot wedge the queue.
// A concurrent advance elsewhere is treated as success.
func (s *Scheduler) AdvanceWorkflow(ctx context.Context, eventID, trigger string) error {
	for {
		next, err := s.workflows.ProceedToNext(ctx, eventID)
		if err != nil {
			if errors.IsConflict(err) {
				// Someone else already activated a candidate.
				return nil
			}
			return err
		}
		if next == nil {
			return s.handleExhausted(ctx, eventID)
		}

		metrics.Escalations.WithLabelValues(trigger).Inc()

		ref, err := s.sendInvitation(ctx, next)
		if err != nil {
			s.logger.Warn("invitation undeliverable, skipping candidate", map[string]interface{}{
				"requestId": next.ID,
				"userId":    next.UserID,
				"error":     err.Error(),
			})
			if s.alerts != nil {
				_ = s.alerts.PublishSendFailure(ctx, eventID, next.UserID)
			}
			if err := s.requests.UpdateStatus(ctx, next.ID, models.StatusDeclined, ""); err != nil {
				return err
			}
			trigger = "send_failure"
			continue
		}

		if err := s.requests.UpdateStatus(ctx, next.ID, models.StatusPending, ref); err != nil {
			return err
		}
		if s.bridge != nil {
			s.bridge.Bind(ctx, ref, next.ID)
		}

		s.logger.Info("next candidate invited", map[string]interface{}{
			"requestId": next.ID,
			"eventId":   eventID,
			"userId":    next.UserID,
			"priority":  next.Priority,
			"trigger":   trigger,
		})
		return nil
	}
}

func (s *Scheduler) sendInvitation(ctx context.Context, req *models.Request) (string, error) {
	content, err := s.invitationContent(ctx, req)
	if err != nil {
		return "", err
	}
	actions := []notify.Action{
		{Label: "Accept", Value: "accept"},
		{Label: "Decline", Value: "decline"},
		{Label: "Propose another date", Value: "propose_date"},
	}
	return s.gateway.SendDirect(ctx, req.UserID, content, actions)
}

func (s *Scheduler) invitationContent(ctx context.Context, req *models.Request) (string, error) {
	ev, err := s.events.Get(ctx, req.EventID)
	if err != nil {
		return "", err
	}
	content := fmt.Sprintf("You've been selected to host **%s** on %s. Can you take it?",
		ev.Title, ev.StartsAt.Format("Monday, Jan 2 at 15:04"))
	if req.Message != "" {
		content += "\n\n" + req.Message
	}
	remaining := s.requests.RemainingMinutes(req)
	if remaining > 0 {
		content += fmt.Sprintf("\n\nThis invitation expires in about %d hours.", (remaining+59)/60)
	}
	return content, nil
}

func (s *Scheduler) handleExhausted(ctx context.Context, eventID string) error {
	metrics.WorkflowsExhausted.Inc()

	all, err := s.requests.ListByEvent(ctx, eventID, "")
	if err != nil {
		return err
	}

	s.logger.Warn("workflow exhausted", map[string]interface{}{
		"eventId":    eventID,
		"candidates": len(all),
	})

	notice := fmt.Sprintf("No host found for event %s: all %d candidates declined or timed out. Manual follow-up needed.", eventID, len(all))
	if _, err := s.gateway.PostToChannel(ctx, s.escalationChannelID, notice); err != nil {
		s.logger.Error("exhaustion channel post failed", map[string]interface{}{
			"eventId": eventID,
			"error":   err.Error(),
		})
	}
	if s.alerts != nil {
		_ = s.alerts.PublishExhausted(ctx, eventID, len(all))
	}
	return nil
}

// handleNoCandidates covers a launch whose ranking found nobody to ask.
// Distinct from exhaustion: no invitation was ever sent.
func (s *Scheduler) handleNoCandidates(ctx context.Context, eventID string) error {
	s.logger.Warn("no eligible candidates at launch", map[string]interface{}{
		"eventId": eventID,
	})

	notice := fmt.Sprintf("No eligible candidates found for event %s. Open public applications or assign a host manually.", eventID)
	if _, err := s.gateway.PostToChannel(ctx, s.escalationChannelID, notice); err != nil {
		s.logger.Error("no-candidates channel post failed", map[string]interface{}{
			"eventId": eventID,
			"error":   err.Error(),
		})
	}
	if s.alerts != nil {
		_ = s.alerts.PublishNoCandidates(ctx, eventID)
	}
	return nil
}

// RunWeeklyPanel posts the list of upcoming events that still need a host
// and mails the digest. It only reports; starting a workflow stays a staff
// decision.
func (s *Scheduler) RunWeeklyPanel(ctx context.Context) error {
	from := s.now()
	to := from.Add(s.upcomingWindow)

	events, err := s.events.ListNeedingHost(ctx, from, to)
	if err != nil {
		s.recordOp(ctx, "weekly_panel", "error")
		return err
	}

	if len(events) == 0 {
		s.logger.Info("weekly panel: nothing to report", nil)
		s.recordOp(ctx, "weekly_panel", "success")
		return nil
	}

	content := fmt.Sprintf("**Weekly host panel** — %d upcoming events need a host:\n", len(events))
	for _, ev := range events {
		content += fmt.Sprintf("• %s (%s) on %s\n", ev.Title, ev.EventType, ev.StartsAt.Format("Mon Jan 2 15:04"))
	}

	if _, err := s.gateway.PostToChannel(ctx, s.escalationChannelID, content); err != nil {
		s.logger.Error("weekly panel post failed", map[string]interface{}{"error": err.Error()})
	}
	if s.digest != nil {
		if err := s.digest.Send(ctx, events); err != nil {
			s.logger.Error("weekly digest failed", map[string]interface{}{"error": err.Error()})
		}
	}

	s.recordOp(ctx, "weekly_panel", "success")
	s.logger.Info("weekly panel posted", map[string]interface{}{"events": len(events)})
	return nil
}

func (s *Scheduler) recordOp(ctx context.Context, op, status string) {
	if s.obs != nil {
		s.obs.RecordOperation(ctx, op, status)
	}
}

// NextWeeklyFireTime returns the next occurrence of the configured weekday
// and time-of-day strictly after now.
func (s *Scheduler) NextWeeklyFireTime(now time.Time) time.Time {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	fire := dayStart.Add(s.panelTimeOfDay)

	daysAhead := (int(s.panelWeekday) - int(now.Weekday()) + 7) % 7
	fire = fire.AddDate(0, 0, daysAhead)
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 7)
	}
	return fire
}

func expiredNotice(req *models.Request) string {
	return fmt.Sprintf("This invitation to host event %s has expired. No action needed.", req.EventID)
}
