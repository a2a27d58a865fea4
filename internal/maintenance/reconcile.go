package maintenance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

// scoreEpsilon absorbs float rounding between ledger sums and standings.
const scoreEpsilon = 1e-9

// Drift is one standing that disagrees with the ledger.
type Drift struct {
	UserID   string  `json:"user_id"`
	Ledger   float64 `json:"ledger"`
	Standing float64 `json:"standing"`
	Repaired float64 `json:"repaired"`
	// Ahead marks standings above the ledger; those are reported, never lowered.
	Ahead bool `json:"ahead,omitempty"`
}

// Report summarizes the reconciliation of one period.
type Report struct {
	Period  string  `json:"period"`
	Checked int     `json:"checked"`
	Drifts  []Drift `json:"drifts"`
	DryRun  bool    `json:"dry_run"`
}

// Repaired returns the number of standings that were raised.
func (r Report) Repaired() int {
	n := 0
	for _, d := range r.Drifts {
		if d.Repaired > 0 {
			n++
		}
	}
	return n
}

// Reconciler restores leaderboard entries that missed increments because a
// standings write failed after the ledger insert succeeded.
//
// Only events recorded before the settle window are compared, whatever time
// the caller gave them, and standings are only ever raised, so an award
// still in flight is never counted twice.
type Reconciler struct {
	ledger db.LedgerTotals
	boards db.LeaderboardStore
	users  db.UserLookup
	log    zerolog.Logger
	now    func() time.Time
	settle time.Duration
}

// NewReconciler creates a Reconciler. users may be nil.
func NewReconciler(ledger db.LedgerTotals, boards db.LeaderboardStore, users db.UserLookup, settle time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		boards: boards,
		users:  users,
		settle: settle,
		now:    time.Now,
		log:    log.With().Str("component", "reconcile").Logger(),
	}
}

// CurrentPeriods returns the period keys live at now for the given kinds.
func CurrentPeriods(kinds []models.PeriodKind, now time.Time) []string {
	keys := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		keys = append(keys, models.PeriodKey(kind, now))
	}
	return keys
}

// Reconcile compares each period's standings against the ledger. With
// dryRun set, drifts are reported but nothing is written.
func (r *Reconciler) Reconcile(ctx context.Context, periods []string, dryRun bool) ([]Report, error) {
	reports := make([]Report, 0, len(periods))
	for _, period := range periods {
		report, err := r.reconcilePeriod(ctx, period, dryRun)
		if err != nil {
			return reports, fmt.Errorf("reconcile %s: %w", period, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *Reconciler) reconcilePeriod(ctx context.Context, period string, dryRun bool) (Report, error) {
	start, end, err := models.PeriodWindow(period)
	if err != nil {
		return Report{}, err
	}
	now := r.now()

	report := Report{Period: period, DryRun: dryRun, Drifts: []Drift{}}
	if !now.After(start) {
		return report, nil
	}

	totals, err := r.ledger.TotalsByUser(ctx, start, end, now.Add(-r.settle))
	if err != nil {
		return report, err
	}

	users := make([]string, 0, len(totals))
	for u := range totals {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, userID := range users {
		ledger := totals[userID]
		entry, err := r.boards.FindByUserAndPeriod(ctx, userID, period)
		if err != nil {
			return report, fmt.Errorf("load standing of %s: %w", userID, err)
		}
		report.Checked++

		var standing float64
		if entry != nil {
			standing = entry.Score
		}
		if math.Abs(ledger-standing) <= scoreEpsilon {
			continue
		}
		if entry == nil && ledger <= scoreEpsilon {
			continue
		}

		drift := Drift{UserID: userID, Ledger: ledger, Standing: standing}
		if standing > ledger {
			// Recent in-flight awards can put a standing ahead of the
			// settled ledger; lowering it would lose points.
			drift.Ahead = true
			report.Drifts = append(report.Drifts, drift)
			continue
		}

		delta := ledger - standing
		if !dryRun {
			if err := r.boards.UpsertIncrement(ctx, userID, period, delta, r.snapshot(ctx, userID), now); err != nil {
				return report, fmt.Errorf("repair standing of %s: %w", userID, err)
			}
			drift.Repaired = delta
			r.log.Warn().
				Str("period", period).
				Str("user_id", userID).
				Float64("ledger", ledger).
				Float64("standing", standing).
				Msg("Repaired leaderboard standing")
		}
		report.Drifts = append(report.Drifts, drift)
	}

	return report, nil
}

// snapshot resolves display metadata; lookup failures fall back to an
// unresolved snapshot.
func (r *Reconciler) snapshot(ctx context.Context, userID string) models.StandingSnapshot {
	if r.users == nil {
		return (*models.UserProfile)(nil).Snapshot()
	}
	profile, err := r.users.FindUserByID(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("User lookup failed during repair")
		return (*models.UserProfile)(nil).Snapshot()
	}
	return profile.Snapshot()
}
