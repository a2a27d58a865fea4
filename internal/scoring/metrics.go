package scoring

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/thebtf/tally/pkg/models"
)

const meterName = "github.com/thebtf/tally/internal/scoring"

// engineMetrics records award outcomes through OpenTelemetry.
type engineMetrics struct {
	awards              metric.Int64Counter
	points              metric.Float64Counter
	leaderboardFailures metric.Int64Counter
}

// newEngineMetrics builds instruments from provider, or from the global
// provider when nil. Instrument errors fall back to no-op instruments.
func newEngineMetrics(provider metric.MeterProvider) *engineMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	awards, err := meter.Int64Counter("tally.awards",
		metric.WithDescription("Award attempts by reason."))
	if err != nil {
		awards, _ = fallback.Int64Counter("tally.awards")
	}
	points, err := meter.Float64Counter("tally.points.awarded",
		metric.WithDescription("Points written to the ledger."))
	if err != nil {
		points, _ = fallback.Float64Counter("tally.points.awarded")
	}
	failures, err := meter.Int64Counter("tally.leaderboard.write_failures",
		metric.WithDescription("Leaderboard upserts that failed and were skipped."))
	if err != nil {
		failures, _ = fallback.Int64Counter("tally.leaderboard.write_failures")
	}

	return &engineMetrics{
		awards:              awards,
		points:              points,
		leaderboardFailures: failures,
	}
}

func (m *engineMetrics) recordAward(ctx context.Context, action models.ActionType, reason models.AwardReason, final float64) {
	attrs := metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("reason", string(reason)),
	)
	m.awards.Add(ctx, 1, attrs)
	if final > 0 {
		m.points.Add(ctx, final, metric.WithAttributes(attribute.String("action", string(action))))
	}
}

func (m *engineMetrics) recordLeaderboardFailure(ctx context.Context, period string) {
	kind := string(models.PeriodWeekly)
	if period == models.GlobalPeriod {
		kind = string(models.PeriodGlobal)
	}
	m.leaderboardFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("period", kind)))
}
