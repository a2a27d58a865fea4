// Package models contains domain models for tally.
package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ActionType identifies a category of user activity that can earn points.
type ActionType string

// Shipped action types.
const (
	ActionTaskCompleted         ActionType = "task_completed"
	ActionFocusSessionCompleted ActionType = "focus_session_completed"
	ActionDailyNoteWritten      ActionType = "daily_note_written"
	ActionCalendarEventCreated  ActionType = "calendar_event_created"
	ActionTemplateUsed          ActionType = "template_used"
	ActionStreakKept            ActionType = "streak_kept"
)

// PeriodKind is a kind of leaderboard window.
type PeriodKind string

const (
	// PeriodWeekly ranks within one ISO-8601 week.
	PeriodWeekly PeriodKind = "weekly"
	// PeriodGlobal ranks over all time.
	PeriodGlobal PeriodKind = "global"
)

// ActionConfig holds the scoring parameters of one action type.
type ActionConfig struct {
	// BasePoints is the value of one full-value occurrence.
	BasePoints float64 `json:"base_points" yaml:"base_points"`

	// CapPerDay is the maximum this action may contribute to a user's score
	// in one UTC calendar day.
	CapPerDay float64 `json:"cap_per_day" yaml:"cap_per_day"`

	// SourceRequired marks actions whose occurrences must carry a dedup key.
	SourceRequired bool `json:"source_required" yaml:"source_required"`
}

// DiminishingThreshold scales the N-th same-day occurrence of an action.
// From and To are inclusive and 1-based; To == 0 leaves the range open.
type DiminishingThreshold struct {
	From       int     `json:"from" yaml:"from"`
	To         int     `json:"to" yaml:"to"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
}

// Contains reports whether occurrence n falls into the range.
func (t DiminishingThreshold) Contains(n int) bool {
	return n >= t.From && (t.To == 0 || n <= t.To)
}

// ErrInvalidScoringConfig is returned when a scoring table fails validation.
var ErrInvalidScoringConfig = errors.New("invalid scoring config")

// ScoringConfig is the immutable scoring table: action parameters, the
// diminishing-returns schedule, the per-user global daily cap and the
// leaderboard periods that receive awards.
//
// Values are built once with NewScoringConfig and only read afterwards.
type ScoringConfig struct {
	actions        map[ActionType]ActionConfig
	thresholds     []DiminishingThreshold
	globalDailyCap float64
	periods        []PeriodKind
}

// validAmount reports whether v is a finite, non-negative number.
func validAmount(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// NewScoringConfig validates its inputs and returns an immutable table.
// The arguments are copied; later changes to them are not observed.
func NewScoringConfig(actions map[ActionType]ActionConfig, thresholds []DiminishingThreshold, globalDailyCap float64, periods []PeriodKind) (*ScoringConfig, error) {
	if !validAmount(globalDailyCap) {
		return nil, fmt.Errorf("%w: global daily cap %v", ErrInvalidScoringConfig, globalDailyCap)
	}

	copied := make(map[ActionType]ActionConfig, len(actions))
	for name, ac := range actions {
		if name == "" {
			return nil, fmt.Errorf("%w: empty action type", ErrInvalidScoringConfig)
		}
		if !validAmount(ac.BasePoints) || !validAmount(ac.CapPerDay) {
			return nil, fmt.Errorf("%w: action %q needs finite, non-negative points and cap", ErrInvalidScoringConfig, name)
		}
		copied[name] = ac
	}

	sorted := make([]DiminishingThreshold, len(thresholds))
	copy(sorted, thresholds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
	for i, t := range sorted {
		if t.From < 1 || (t.To != 0 && t.To < t.From) || !validAmount(t.Multiplier) {
			return nil, fmt.Errorf("%w: threshold %d-%d x%v", ErrInvalidScoringConfig, t.From, t.To, t.Multiplier)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.To == 0 || prev.To >= t.From {
				return nil, fmt.Errorf("%w: thresholds %d-%d and %d-%d overlap", ErrInvalidScoringConfig, prev.From, prev.To, t.From, t.To)
			}
		}
	}

	seen := make(map[PeriodKind]bool, len(periods))
	kinds := make([]PeriodKind, 0, len(periods))
	for _, p := range periods {
		if p != PeriodWeekly && p != PeriodGlobal {
			return nil, fmt.Errorf("%w: unknown period kind %q", ErrInvalidScoringConfig, p)
		}
		if !seen[p] {
			seen[p] = true
			kinds = append(kinds, p)
		}
	}

	return &ScoringConfig{
		actions:        copied,
		thresholds:     sorted,
		globalDailyCap: globalDailyCap,
		periods:        kinds,
	}, nil
}

// Action returns the configuration of an action type.
func (c *ScoringConfig) Action(t ActionType) (ActionConfig, bool) {
	ac, ok := c.actions[t]
	return ac, ok
}

// ResolveAction returns the configuration of t, degrading unknown actions to
// zero base points and an unlimited action cap.
func (c *ScoringConfig) ResolveAction(t ActionType) ActionConfig {
	if ac, ok := c.actions[t]; ok {
		return ac
	}
	return ActionConfig{BasePoints: 0, CapPerDay: math.Inf(1)}
}

// Multiplier returns the diminishing-returns multiplier of the n-th
// occurrence (1-based), or 0 when n is outside every configured range.
func (c *ScoringConfig) Multiplier(n int) float64 {
	for _, t := range c.thresholds {
		if t.Contains(n) {
			return t.Multiplier
		}
	}
	return 0
}

// GlobalDailyCap returns the per-user cap across all actions for one UTC day.
func (c *ScoringConfig) GlobalDailyCap() float64 {
	return c.globalDailyCap
}

// Periods returns the active leaderboard period kinds.
func (c *ScoringConfig) Periods() []PeriodKind {
	out := make([]PeriodKind, len(c.periods))
	copy(out, c.periods)
	return out
}

// Thresholds returns a copy of the diminishing-returns schedule.
func (c *ScoringConfig) Thresholds() []DiminishingThreshold {
	out := make([]DiminishingThreshold, len(c.thresholds))
	copy(out, c.thresholds)
	return out
}

// Actions returns a copy of the action table.
func (c *ScoringConfig) Actions() map[ActionType]ActionConfig {
	out := make(map[ActionType]ActionConfig, len(c.actions))
	for k, v := range c.actions {
		out[k] = v
	}
	return out
}

// defaultActions is the shipped action table.
var defaultActions = map[ActionType]ActionConfig{
	ActionTaskCompleted:         {BasePoints: 10, CapPerDay: 200, SourceRequired: true},
	ActionFocusSessionCompleted: {BasePoints: 15, CapPerDay: 150, SourceRequired: true},
	ActionDailyNoteWritten:      {BasePoints: 5, CapPerDay: 5, SourceRequired: true},
	ActionCalendarEventCreated:  {BasePoints: 2, CapPerDay: 20, SourceRequired: true},
	ActionTemplateUsed:          {BasePoints: 3, CapPerDay: 15},
	ActionStreakKept:            {BasePoints: 20, CapPerDay: 20, SourceRequired: true},
}

// defaultThresholds is the shipped diminishing-returns schedule.
var defaultThresholds = []DiminishingThreshold{
	{From: 1, To: 5, Multiplier: 1.0},
	{From: 6, To: 10, Multiplier: 0.5},
	{From: 11, To: 0, Multiplier: 0.25},
}

// DefaultGlobalDailyCap is the shipped per-user daily cap across all actions.
const DefaultGlobalDailyCap = 500

// DefaultScoringConfig returns the shipped scoring table.
func DefaultScoringConfig() *ScoringConfig {
	cfg, err := NewScoringConfig(defaultActions, defaultThresholds, DefaultGlobalDailyCap,
		[]PeriodKind{PeriodWeekly, PeriodGlobal})
	if err != nil {
		// The shipped table is static and covered by tests.
		panic(err)
	}
	return cfg
}
