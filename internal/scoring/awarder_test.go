package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/thebtf/tally/pkg/models"
)

var testDay = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

type awarderFixture struct {
	ledger  *memLedger
	board   *memBoard
	users   *memUsers
	awarder *Awarder
}

func newAwarderFixture(t *testing.T, opts Options) *awarderFixture {
	t.Helper()
	name := gofakeit.Name()
	f := &awarderFixture{
		ledger: &memLedger{},
		board:  newMemBoard(),
		users: &memUsers{profiles: map[string]*models.UserProfile{
			"u1": {ID: "u1", DisplayName: &name, AvatarURL: "https://img/u1.png", ShowOnLeaderboard: true},
		}},
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return testDay }
	}
	f.awarder = NewAwarder(f.ledger, f.board, f.users, NewCalculator(nil), zerolog.Nop(), opts)
	return f
}

func task(source string) models.AwardRequest {
	return models.AwardRequest{UserID: "u1", ActionType: models.ActionTaskCompleted, SourceID: source}
}

func TestAwardPoints_FirstTaskAwardsBasePoints(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	res, err := f.awarder.AwardPoints(ctx, task("task-1"))
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.FinalAward)
	assert.Equal(t, 10.0, res.PointsRaw)
	assert.Equal(t, models.ReasonNormal, res.Reason)
	assert.Equal(t, 1, res.Details.Occurrence)
	assert.Equal(t, "2025-01-15", res.Details.Day)
	assert.True(t, res.Details.KnownAction)
	assert.Equal(t, []string{"2025-W03", models.GlobalPeriod}, res.Details.Periods)

	events := f.ledger.all()
	require.Len(t, events, 1)
	assert.Equal(t, res.Details.EventID, events[0].ID)
	assert.True(t, testDay.Equal(events[0].CreatedAt), "request without timestamp uses Now")

	weekly, err := f.board.FindByUserAndPeriod(ctx, "u1", "2025-W03")
	require.NoError(t, err)
	require.NotNil(t, weekly)
	assert.Equal(t, 10.0, weekly.Score)
	assert.Equal(t, *f.users.profiles["u1"].DisplayName, weekly.DisplayNameSnapshot)
	assert.Equal(t, "https://img/u1.png", weekly.AvatarSnapshot)
	assert.False(t, weekly.OptOutSnapshot)
}

func TestAwardPoints_DuplicateSourceIsNoOp(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	first, err := f.awarder.AwardPoints(ctx, task("task-42"))
	require.NoError(t, err)
	assert.Equal(t, 10.0, first.FinalAward)

	second, err := f.awarder.AwardPoints(ctx, task("task-42"))
	require.NoError(t, err)
	assert.Zero(t, second.FinalAward)
	assert.Equal(t, models.ReasonDuplicate, second.Reason)
	assert.Equal(t, 10.0, second.PointsRaw, "historical raw points are echoed")
	assert.Equal(t, first.Details.EventID, second.Details.EventID)

	assert.Len(t, f.ledger.all(), 1)
	assert.Equal(t, 2, f.board.upsertCount(), "only the first call touches standings")
}

func TestAwardPoints_LostInsertRaceReportsDuplicate(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	_, err := f.awarder.AwardPoints(ctx, task("task-7"))
	require.NoError(t, err)
	upserts := f.board.upsertCount()

	f.ledger.hideSources = 1
	res, err := f.awarder.AwardPoints(ctx, task("task-7"))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonDuplicate, res.Reason)
	assert.Zero(t, res.FinalAward)
	assert.Len(t, f.ledger.all(), 1)
	assert.Equal(t, upserts, f.board.upsertCount())
}

func TestAwardPoints_ConcurrentDuplicatesAwardOnce(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	const callers = 16
	results := make([]*models.AwardResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.awarder.AwardPoints(ctx, task("task-race"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	awarded := 0
	for _, res := range results {
		require.NotNil(t, res)
		if res.Reason != models.ReasonDuplicate {
			awarded++
			assert.Equal(t, 10.0, res.FinalAward)
		}
	}
	assert.Equal(t, 1, awarded)
	assert.Len(t, f.ledger.all(), 1)

	global, err := f.board.FindByUserAndPeriod(ctx, "u1", models.GlobalPeriod)
	require.NoError(t, err)
	assert.Equal(t, 10.0, global.Score)
}

func TestAwardPoints_DiminishingAcrossDay(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	total := 0.0
	for i := 1; i <= 25; i++ {
		req := task(fmt.Sprintf("task-%d", i))
		req.Timestamp = testDay.Add(time.Duration(i) * time.Minute)
		res, err := f.awarder.AwardPoints(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, i, res.Details.Occurrence)
		total += res.FinalAward
	}
	assert.InDelta(t, 112.5, total, 1e-9)

	global, err := f.board.FindByUserAndPeriod(ctx, "u1", models.GlobalPeriod)
	require.NoError(t, err)
	assert.InDelta(t, 112.5, global.Score, 1e-9)
}

func TestAwardPoints_NewDayResetsCountsAndCaps(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	note := func(day time.Time, source string) *models.AwardResult {
		res, err := f.awarder.AwardPoints(ctx, models.AwardRequest{
			UserID: "u1", ActionType: models.ActionDailyNoteWritten, SourceID: source, Timestamp: day,
		})
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, 5.0, note(testDay, "n1").FinalAward)
	capped := note(testDay.Add(time.Hour), "n2")
	assert.Zero(t, capped.FinalAward)
	assert.Equal(t, models.ReasonActionCapTruncated, capped.Reason)

	next := note(testDay.Add(24*time.Hour), "n3")
	assert.Equal(t, 5.0, next.FinalAward)
	assert.Equal(t, 1, next.Details.Occurrence)
}

func TestAwardPoints_GlobalCapTruncation(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	// 495 points already recorded today across other actions
	require.NoError(t, f.ledger.InsertEvent(ctx, &models.ScoreEvent{
		UserID: "u1", ActionType: "imported", PointsAwarded: 495, PointsRaw: 495,
		Reason: models.ReasonNormal, CreatedAt: testDay.Add(-time.Hour),
	}))

	res, err := f.awarder.AwardPoints(ctx, task("task-1"))
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.PointsRaw)
	assert.Equal(t, 5.0, res.FinalAward)
	assert.Equal(t, models.ReasonGlobalCapTruncated, res.Reason)

	res, err = f.awarder.AwardPoints(ctx, task("task-2"))
	require.NoError(t, err)
	assert.Zero(t, res.FinalAward)
	assert.Equal(t, models.ReasonGlobalCapTruncated, res.Reason)
	assert.Empty(t, res.Details.Periods, "zero awards leave standings alone")
}

func TestAwardPoints_CapsNeverExceeded(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	actions := []models.ActionType{
		models.ActionTaskCompleted, models.ActionFocusSessionCompleted,
		models.ActionCalendarEventCreated, models.ActionStreakKept,
	}
	for i := 0; i < 120; i++ {
		action := actions[i%len(actions)]
		_, err := f.awarder.AwardPoints(ctx, models.AwardRequest{
			UserID: "u1", ActionType: action, SourceID: fmt.Sprintf("src-%d", i),
			Timestamp: testDay.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	cfg := models.DefaultScoringConfig()
	start, end := models.DayWindow(testDay)
	for _, action := range actions {
		totals, err := f.ledger.SumAndCountInWindow(ctx, "u1", action, start, end)
		require.NoError(t, err)
		ac, _ := cfg.Action(action)
		assert.LessOrEqual(t, totals.Points, ac.CapPerDay, "action %s", action)
	}
	all, err := f.ledger.SumAndCountInWindow(ctx, "u1", "", start, end)
	require.NoError(t, err)
	assert.LessOrEqual(t, all.Points, cfg.GlobalDailyCap())
}

func TestAwardPoints_UnknownActionRecordsZeroEvent(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	res, err := f.awarder.AwardPoints(ctx, models.AwardRequest{UserID: "u1", ActionType: "juggled"})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNoPoints, res.Reason)
	assert.Zero(t, res.FinalAward)
	assert.False(t, res.Details.KnownAction)

	require.Len(t, f.ledger.all(), 1, "zero awards are still recorded")
	assert.Zero(t, f.board.upsertCount())
}

func TestAwardPoints_Validation(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.AwardRequest
	}{
		{name: "missing user", req: models.AwardRequest{ActionType: models.ActionTemplateUsed}},
		{name: "blank user", req: models.AwardRequest{UserID: "  ", ActionType: models.ActionTemplateUsed}},
		{name: "missing action", req: models.AwardRequest{UserID: "u1"}},
		{name: "source required", req: models.AwardRequest{UserID: "u1", ActionType: models.ActionTaskCompleted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.awarder.AwardPoints(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
	assert.Empty(t, f.ledger.all())

	// Actions without a required source accept none
	res, err := f.awarder.AwardPoints(ctx, models.AwardRequest{UserID: "u1", ActionType: models.ActionTemplateUsed})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.FinalAward)
}

func TestAwardPoints_LedgerFailurePropagates(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	f.ledger.insertErr = errStoreDown

	_, err := f.awarder.AwardPoints(context.Background(), task("task-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errStoreDown))
	assert.Zero(t, f.board.upsertCount())
}

func TestAwardPoints_ReadFailurePropagates(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	f.ledger.readErr = errStoreDown

	_, err := f.awarder.AwardPoints(context.Background(), task("task-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errStoreDown))
}

func TestAwardPoints_LeaderboardFailureIsSwallowed(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	f := newAwarderFixture(t, Options{MeterProvider: provider})
	f.board.upsertErr = errStoreDown
	ctx := context.Background()

	res, err := f.awarder.AwardPoints(ctx, task("task-1"))
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.FinalAward)
	assert.Len(t, f.ledger.all(), 1, "ledger keeps the event")
	assert.Equal(t, 2, f.board.upsertCount(), "every period is attempted")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), sumInt64(rm, "tally.leaderboard.write_failures"))
	assert.Equal(t, int64(1), sumInt64(rm, "tally.awards"))
}

func TestAwardPoints_MissingUserUsesUnresolvedSnapshot(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	res, err := f.awarder.AwardPoints(ctx, models.AwardRequest{UserID: "stranger", ActionType: models.ActionTemplateUsed})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.FinalAward)

	entry, err := f.board.FindByUserAndPeriod(ctx, "stranger", models.GlobalPeriod)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Empty(t, entry.DisplayNameSnapshot)
	assert.True(t, entry.OptOutSnapshot)
}

func TestAwardPoints_LookupFailureKeepsExistingSnapshot(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	_, err := f.awarder.AwardPoints(ctx, task("task-1"))
	require.NoError(t, err)

	f.users.err = errStoreDown
	_, err = f.awarder.AwardPoints(ctx, task("task-2"))
	require.NoError(t, err)

	entry, err := f.board.FindByUserAndPeriod(ctx, "u1", models.GlobalPeriod)
	require.NoError(t, err)
	assert.Equal(t, 20.0, entry.Score)
	assert.Equal(t, *f.users.profiles["u1"].DisplayName, entry.DisplayNameSnapshot)
	assert.False(t, entry.OptOutSnapshot)
}

func TestAwardPoints_OptedOutUserStillScored(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	f.users.profiles["shy"] = &models.UserProfile{ID: "shy", ShowOnLeaderboard: false}
	ctx := context.Background()

	res, err := f.awarder.AwardPoints(ctx, models.AwardRequest{UserID: "shy", ActionType: models.ActionTemplateUsed})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.FinalAward)

	entry, err := f.board.FindByUserAndPeriod(ctx, "shy", models.GlobalPeriod)
	require.NoError(t, err)
	assert.True(t, entry.OptOutSnapshot)
	assert.True(t, entry.Score > 0)
}

func TestAwardPoints_LeaderboardAdditivity(t *testing.T) {
	f := newAwarderFixture(t, Options{})
	ctx := context.Background()

	// Spans two ISO weeks: Wednesday of W03 through Tuesday of W04
	for i := 0; i < 14; i++ {
		_, err := f.awarder.AwardPoints(ctx, models.AwardRequest{
			UserID: "u1", ActionType: models.ActionFocusSessionCompleted,
			SourceID:  fmt.Sprintf("focus-%d", i),
			Timestamp: testDay.Add(time.Duration(i) * 12 * time.Hour),
		})
		require.NoError(t, err)
	}

	byPeriod := map[string]float64{}
	total := 0.0
	for _, e := range f.ledger.all() {
		byPeriod[models.WeeklyPeriodKey(e.CreatedAt)] += e.PointsAwarded
		total += e.PointsAwarded
	}
	require.Len(t, byPeriod, 2)

	for period, want := range byPeriod {
		entry, err := f.board.FindByUserAndPeriod(ctx, "u1", period)
		require.NoError(t, err)
		require.NotNil(t, entry, period)
		assert.InDelta(t, want, entry.Score, 1e-9, period)
	}
	global, err := f.board.FindByUserAndPeriod(ctx, "u1", models.GlobalPeriod)
	require.NoError(t, err)
	assert.InDelta(t, total, global.Score, 1e-9)
}

func sumInt64(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
