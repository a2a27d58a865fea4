package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

// ErrInvalidRequest is returned for award requests that cannot be scored at
// all: no user, no action, or no source id for an action that needs one.
var ErrInvalidRequest = errors.New("invalid award request")

// Default timeouts for store calls made while awarding.
const (
	DefaultReadTimeout  = 2 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Options tunes an Awarder. Zero values select defaults.
type Options struct {
	// Now returns the current time; used when a request has no timestamp.
	Now func() time.Time
	// MeterProvider receives award metrics; nil uses the global provider.
	MeterProvider metric.MeterProvider
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Awarder turns user actions into ledger events and leaderboard increments.
// It holds no mutable state and is safe for concurrent use.
type Awarder struct {
	log          zerolog.Logger
	events       db.ScoreEventStore
	boards       db.LeaderboardWriter
	users        db.UserLookup
	calculator   *Calculator
	metrics      *engineMetrics
	now          func() time.Time
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewAwarder creates an award pipeline. users may be nil, in which case
// every user is unresolved.
func NewAwarder(events db.ScoreEventStore, boards db.LeaderboardWriter, users db.UserLookup, calc *Calculator, log zerolog.Logger, opts Options) *Awarder {
	if calc == nil {
		calc = NewCalculator(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return &Awarder{
		log:          log.With().Str("component", "awarder").Logger(),
		events:       events,
		boards:       boards,
		users:        users,
		calculator:   calc,
		metrics:      newEngineMetrics(opts.MeterProvider),
		now:          opts.Now,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
}

// AwardPoints scores one action occurrence.
//
// A repeated (user, action, source) returns reason duplicate with no
// writes. Every other call appends exactly one ledger event, even for zero
// points. Positive awards are then added to each active leaderboard period.
//
// Errors from the duplicate check, the day totals or the ledger insert are
// returned; retrying is safe because of the source id. Leaderboard writes
// follow the best-effort standings policy: standings are a cache of the
// ledger, so their failures are logged and counted, never returned.
func (a *Awarder) AwardPoints(ctx context.Context, req models.AwardRequest) (*models.AwardResult, error) {
	cfg := a.calculator.Config()

	req.UserID = strings.TrimSpace(req.UserID)
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if req.ActionType == "" {
		return nil, fmt.Errorf("%w: action type is required", ErrInvalidRequest)
	}

	action, known := cfg.Action(req.ActionType)
	if !known {
		action = cfg.ResolveAction(req.ActionType)
	}
	if action.SourceRequired && req.SourceID == "" {
		return nil, fmt.Errorf("%w: action %q requires a source id", ErrInvalidRequest, req.ActionType)
	}

	at := req.Timestamp
	if at.IsZero() {
		at = a.now()
	}
	at = at.UTC()

	if req.SourceID != "" {
		existing, err := a.findBySource(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return a.duplicate(ctx, existing, known), nil
		}
	}

	start, end := models.DayWindow(at)
	actionTotals, globalTotals, err := a.dayTotals(ctx, req.UserID, req.ActionType, start, end)
	if err != nil {
		return nil, err
	}

	in := AwardInput{
		BasePoints:       action.BasePoints,
		ActionTotalToday: actionTotals.Points,
		GlobalTotalToday: globalTotals.Points,
		Occurrence:       int(actionTotals.Count) + 1,
		ActionCap:        action.CapPerDay,
		GlobalCap:        cfg.GlobalDailyCap(),
	}
	award := a.calculator.Compute(in)

	event := &models.ScoreEvent{
		UserID:        req.UserID,
		ActionType:    req.ActionType,
		SourceID:      req.SourceID,
		PointsRaw:     award.PointsRaw,
		PointsAwarded: award.FinalAward,
		Reason:        award.Reason,
		Meta:          req.Meta,
		CreatedAt:     at,
	}

	writeCtx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	err = a.events.InsertEvent(writeCtx, event)
	cancel()
	if errors.Is(err, db.ErrDuplicateEvent) {
		// Lost a race with a concurrent award for the same source
		existing, findErr := a.findBySource(ctx, req)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, fmt.Errorf("record score event: %w", err)
		}
		return a.duplicate(ctx, existing, known), nil
	}
	if err != nil {
		return nil, fmt.Errorf("record score event: %w", err)
	}

	result := &models.AwardResult{
		FinalAward: award.FinalAward,
		PointsRaw:  award.PointsRaw,
		Reason:     award.Reason,
		Details: models.AwardDetails{
			EventID:          event.ID,
			Day:              start.Format(time.DateOnly),
			BasePoints:       action.BasePoints,
			Multiplier:       award.Multiplier,
			Occurrence:       in.Occurrence,
			ActionTotalToday: in.ActionTotalToday,
			GlobalTotalToday: in.GlobalTotalToday,
			ActionCap:        in.ActionCap,
			GlobalCap:        in.GlobalCap,
			KnownAction:      known,
		},
	}

	if award.FinalAward > 0 {
		result.Details.Periods = a.updateStandings(ctx, req.UserID, award.FinalAward, at)
	}

	a.metrics.recordAward(ctx, req.ActionType, award.Reason, award.FinalAward)
	a.log.Debug().
		Str("user", req.UserID).
		Str("action", string(req.ActionType)).
		Str("source", req.SourceID).
		Float64("raw", award.PointsRaw).
		Float64("final", award.FinalAward).
		Str("reason", string(award.Reason)).
		Int("occurrence", in.Occurrence).
		Msg("Points awarded")

	return result, nil
}

// updateStandings increments every active period and returns the period
// keys targeted. Failures are logged and skipped.
func (a *Awarder) updateStandings(ctx context.Context, userID string, delta float64, at time.Time) []string {
	snap := a.snapshot(ctx, userID)

	kinds := a.calculator.Config().Periods()
	periods := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		period := models.PeriodKey(kind, at)
		periods = append(periods, period)

		writeCtx, cancel := context.WithTimeout(ctx, a.writeTimeout)
		err := a.boards.UpsertIncrement(writeCtx, userID, period, delta, snap, at)
		cancel()
		if err != nil {
			a.metrics.recordLeaderboardFailure(ctx, period)
			a.log.Warn().Err(err).
				Str("user", userID).
				Str("period", period).
				Float64("delta", delta).
				Msg("Leaderboard update failed, ledger event kept")
		}
	}
	return periods
}

// snapshot resolves display metadata. Lookup failures and unknown users
// yield an unresolved snapshot.
func (a *Awarder) snapshot(ctx context.Context, userID string) models.StandingSnapshot {
	if a.users == nil {
		return (*models.UserProfile)(nil).Snapshot()
	}

	readCtx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()

	profile, err := a.users.FindUserByID(readCtx, userID)
	if err != nil {
		a.log.Warn().Err(err).Str("user", userID).Msg("User lookup failed, using empty snapshot")
		return (*models.UserProfile)(nil).Snapshot()
	}
	return profile.Snapshot()
}

func (a *Awarder) findBySource(ctx context.Context, req models.AwardRequest) (*models.ScoreEvent, error) {
	readCtx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()

	existing, err := a.events.FindBySource(readCtx, req.UserID, req.ActionType, req.SourceID)
	if err != nil {
		return nil, fmt.Errorf("check duplicate award: %w", err)
	}
	return existing, nil
}

// dayTotals reads the action and all-action totals for the window in parallel.
func (a *Awarder) dayTotals(ctx context.Context, userID string, action models.ActionType, start, end time.Time) (models.WindowTotals, models.WindowTotals, error) {
	readCtx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()

	var actionTotals, globalTotals models.WindowTotals
	g, gctx := errgroup.WithContext(readCtx)
	g.Go(func() error {
		var err error
		actionTotals, err = a.events.SumAndCountInWindow(gctx, userID, action, start, end)
		if err != nil {
			return fmt.Errorf("sum action points: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		globalTotals, err = a.events.SumAndCountInWindow(gctx, userID, "", start, end)
		if err != nil {
			return fmt.Errorf("sum daily points: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.WindowTotals{}, models.WindowTotals{}, err
	}
	return actionTotals, globalTotals, nil
}

func (a *Awarder) duplicate(ctx context.Context, existing *models.ScoreEvent, known bool) *models.AwardResult {
	a.metrics.recordAward(ctx, existing.ActionType, models.ReasonDuplicate, 0)
	a.log.Debug().
		Str("user", existing.UserID).
		Str("action", string(existing.ActionType)).
		Str("source", existing.SourceID).
		Str("event", existing.ID).
		Msg("Duplicate award ignored")

	return &models.AwardResult{
		FinalAward: 0,
		PointsRaw:  existing.PointsRaw,
		Reason:     models.ReasonDuplicate,
		Details: models.AwardDetails{
			EventID:     existing.ID,
			Day:         existing.CreatedAt.UTC().Format(time.DateOnly),
			KnownAction: known,
		},
	}
}
