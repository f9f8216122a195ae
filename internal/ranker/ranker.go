// internal/ranker/ranker.go
package ranker

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"hostflow/internal/common/errors"
	"hostflow/internal/common/logger"
	"hostflow/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	maxParticipationPoints = 40
	maxActivityPoints      = 10
	maxHostingPenalty      = -20

	neverHostedBonus    = 50
	hostedOver30dBonus  = 40
	hostedOver14dBonus  = 25
	hostedRecentlyBonus = 10
)

// Options selects the population to rank for one event.
type Options struct {
	EventID   string   `json:"eventId"`
	EventType string   `json:"eventType"`
	Exclude   []string `json:"exclude,omitempty"`
}

// userStats is the per-user snapshot the score is computed from.
type userStats struct {
	TypedParticipations  int
	RecentParticipations int
	RecentHostings       int
	LastHostedAt         *time.Time
}

// Ranker scores eligible users for hosting duty from historical
// participation and hosting data. Scoring is a pure function of the stats
// snapshot; ties break on ascending user ID so results are deterministic.
type Ranker struct {
	db       *sql.DB
	redis    *redis.Client
	cacheTTL time.Duration
	logger   logger.Logger
	now      func() time.Time
}

func New(db *sql.DB, rdb *redis.Client, cacheTTL time.Duration, log logger.Logger) *Ranker {
	return &Ranker{
		db:       db,
		redis:    rdb,
		cacheTTL: cacheTTL,
		logger:   log.WithFields(map[string]interface{}{"component": "ranker"}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Rank returns candidates ordered best-first. Zero eligible users yields an
// empty result with nil error; the caller distinguishes that from a workflow
// that exhausted its candidates.
func (r *Ranker) Rank(ctx context.Context, opts Options) ([]models.CandidateScore, error) {
	if scores, ok := r.fromCache(ctx, opts.EventID); ok {
		return filterExcluded(scores, opts.Exclude), nil
	}

	stats, err := r.loadStats(ctx, opts.EventType)
	if err != nil {
		return nil, err
	}

	scores := make([]models.CandidateScore, 0, len(stats))
	for userID, st := range stats {
		score, reason := r.score(st)
		scores = append(scores, models.CandidateScore{
			UserID:    userID,
			Score:     score,
			ReasonTag: reason,
		})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].UserID < scores[j].UserID
	})

	r.toCache(ctx, opts.EventID, scores)

	return filterExcluded(scores, opts.Exclude), nil
}

// score composes the four bands. The sum has no floor or ceiling and can go
// negative for a user who hosted a lot lately.
func (r *Ranker) score(st userStats) (int, string) {
	participation := 10 * st.TypedParticipations
	if participation > maxParticipationPoints {
		participation = maxParticipationPoints
	}

	rotation := rotationBonus(st.LastHostedAt, r.now())

	activity := 2 * st.RecentParticipations
	if activity > maxActivityPoints {
		activity = maxActivityPoints
	}

	penalty := -5 * st.RecentHostings
	if penalty < maxHostingPenalty {
		penalty = maxHostingPenalty
	}

	total := participation + rotation + activity + penalty

	reason := "participation"
	switch {
	case st.LastHostedAt == nil:
		reason = "never_hosted"
	case penalty <= -10:
		reason = "recently_hosted"
	case rotation >= participation && rotation >= activity:
		reason = "rotation_due"
	case activity > participation:
		reason = "active_member"
	}

	return total, reason
}

func rotationBonus(lastHostedAt *time.Time, now time.Time) int {
	if lastHostedAt == nil {
		return neverHostedBonus
	}
	since := now.Sub(*lastHostedAt)
	switch {
	case since > 30*24*time.Hour:
		return hostedOver30dBonus
	case since > 14*24*time.Hour:
		return hostedOver14dBonus
	default:
		return hostedRecentlyBonus
	}
}

// loadStats builds the per-user snapshot from two aggregate queries:
// participation counts over event attendees, then hosting history.
func (r *Ranker) loadStats(ctx context.Context, eventType string) (map[string]userStats, error) {
	recentCutoff := r.now().Add(-30 * 24 * time.Hour)

	stats := make(map[string]userStats)

	rows, err := r.db.QueryContext(ctx, `
		SELECT p.user_id,
		       COUNT(*) FILTER (WHERE e.event_type = $1) AS typed_participations,
		       COUNT(*) FILTER (WHERE e.starts_at >= $2) AS recent_participations
		FROM event_participants p
		JOIN events e ON e.id = p.event_id
		GROUP BY p.user_id`, eventType, recentCutoff)
	if err != nil {
		return nil, errors.NewPersistenceFailureError("ranker.participations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var typed, recent int
		if err := rows.Scan(&userID, &typed, &recent); err != nil {
			return nil, errors.NewPersistenceFailureError("ranker.participations", err)
		}
		stats[userID] = userStats{
			TypedParticipations:  typed,
			RecentParticipations: recent,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceFailureError("ranker.participations", err)
	}

	hostRows, err := r.db.QueryContext(ctx, `
		SELECT host_user_id,
		       MAX(starts_at) AS last_hosted_at,
		       COUNT(*) FILTER (WHERE starts_at >= $1) AS recent_hostings
		FROM events
		WHERE host_user_id IS NOT NULL
		GROUP BY host_user_id`, recentCutoff)
	if err != nil {
		return nil, errors.NewPersistenceFailureError("ranker.hostings", err)
	}
	defer hostRows.Close()

	for hostRows.Next() {
		var userID string
		var lastHosted time.Time
		var recentHostings int
		if err := hostRows.Scan(&userID, &lastHosted, &recentHostings); err != nil {
			return nil, errors.NewPersistenceFailureError("ranker.hostings", err)
		}
		st := stats[userID]
		st.LastHostedAt = &lastHosted
		st.RecentHostings = recentHostings
		stats[userID] = st
	}
	if err := hostRows.Err(); err != nil {
		return nil, errors.NewPersistenceFailureError("ranker.hostings", err)
	}

	return stats, nil
}

func (r *Ranker) fromCache(ctx context.Context, eventID string) ([]models.CandidateScore, bool) {
	if r.redis == nil || eventID == "" {
		return nil, false
	}
	val, err := r.redis.Get(ctx, cacheKey(eventID)).Result()
	if err != nil {
		return nil, false
	}
	var scores []models.CandidateScore
	if err := json.Unmarshal([]byte(val), &scores); err != nil {
		return nil, false
	}
	return scores, true
}

func (r *Ranker) toCache(ctx context.Context, eventID string, scores []models.CandidateScore) {
	if r.redis == nil || eventID == "" {
		return
	}
	data, err := json.Marshal(scores)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, cacheKey(eventID), data, r.cacheTTL).Err(); err != nil {
		r.logger.Warn("ranking cache write failed", map[string]interface{}{
			"eventId": eventID,
			"error":   err.Error(),
		})
	}
}

func cacheKey(eventID string) string {
	return "ranker:event:" + eventID
}

func filterExcluded(scores []models.CandidateScore, exclude []string) []models.CandidateScore {
	if len(exclude) == 0 {
		return scores
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	out := make([]models.CandidateScore, 0, len(scores))
	for _, s := range scores {
		if _, skip := excluded[s.UserID]; !skip {
			out = append(out, s)
		}
	}
	return out
}
