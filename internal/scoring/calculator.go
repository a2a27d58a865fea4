// Package scoring provides point award calculation, the award pipeline and
// leaderboard ranking.
package scoring

import (
	"math"

	"github.com/thebtf/tally/pkg/models"
)

// Calculator computes awards from a scoring table. It is pure: no I/O and
// no state beyond the immutable config.
type Calculator struct {
	config *models.ScoringConfig
}

// NewCalculator creates a new award calculator.
// If config is nil, uses the default configuration.
func NewCalculator(config *models.ScoringConfig) *Calculator {
	if config == nil {
		config = models.DefaultScoringConfig()
	}
	return &Calculator{config: config}
}

// Config returns the scoring table the calculator reads.
func (c *Calculator) Config() *models.ScoringConfig {
	return c.config
}

// AwardInput holds everything an award depends on.
type AwardInput struct {
	BasePoints       float64
	ActionTotalToday float64
	GlobalTotalToday float64
	ActionCap        float64
	GlobalCap        float64
	// Occurrence is the 1-based count of this action today, including the
	// pending one.
	Occurrence int
}

// Award is the outcome of one calculation.
type Award struct {
	Reason     models.AwardReason `json:"reason"`
	PointsRaw  float64            `json:"points_raw"`
	FinalAward float64            `json:"final_award"`
	Multiplier float64            `json:"multiplier"`
}

// Compute applies the diminishing schedule of the calculator's config.
func (c *Calculator) Compute(in AwardInput) Award {
	return ComputeAward(in, c.config.Multiplier)
}

// ComputeAward computes an award with an explicit multiplier lookup.
//
// The formula:
//
//	PointsRaw      = BasePoints × multiplier(Occurrence)
//	AfterActionCap = min(PointsRaw, max(0, ActionCap - ActionTotalToday))
//	FinalAward     = min(AfterActionCap, max(0, GlobalCap - GlobalTotalToday))
//
// Reason priority, lowest to highest: diminished (multiplier < 1),
// action_cap_truncated, global_cap_truncated. no_points wins when both raw
// and final are zero, normal applies when nothing else does.
func ComputeAward(in AwardInput, multiplier func(occurrence int) float64) Award {
	mult := multiplier(in.Occurrence)
	raw := in.BasePoints * mult

	actionRoom := math.Max(0, in.ActionCap-in.ActionTotalToday)
	afterAction := raw
	actionClamped := false
	if actionRoom < afterAction {
		afterAction = actionRoom
		actionClamped = true
	}

	globalRoom := math.Max(0, in.GlobalCap-in.GlobalTotalToday)
	final := afterAction
	globalClamped := false
	if globalRoom < final {
		final = globalRoom
		globalClamped = true
	}

	reason := models.ReasonNormal
	if mult < 1 {
		reason = models.ReasonDiminished
	}
	if actionClamped {
		reason = models.ReasonActionCapTruncated
	}
	if globalClamped {
		reason = models.ReasonGlobalCapTruncated
	}
	if raw == 0 && final == 0 {
		reason = models.ReasonNoPoints
	}

	return Award{
		Reason:     reason,
		PointsRaw:  raw,
		FinalAward: final,
		Multiplier: mult,
	}
}
