// Package db defines database interfaces for the tally stores.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/thebtf/tally/pkg/models"
)

// ErrDuplicateEvent is returned by InsertEvent when a score event with the
// same (user, action, source) already exists.
var ErrDuplicateEvent = errors.New("duplicate score event")

// ScoreEventReader defines read operations for the score ledger.
type ScoreEventReader interface {
	// FindBySource returns the event for the idempotency key, or nil if none exists.
	FindBySource(ctx context.Context, userID string, action models.ActionType, sourceID string) (*models.ScoreEvent, error)
	// SumAndCountInWindow aggregates awarded points in [start, end).
	// An empty action aggregates across all action types.
	SumAndCountInWindow(ctx context.Context, userID string, action models.ActionType, start, end time.Time) (models.WindowTotals, error)
}

// ScoreEventWriter defines write operations for the score ledger.
type ScoreEventWriter interface {
	// InsertEvent appends an event. It returns ErrDuplicateEvent when the
	// idempotency key is already taken.
	InsertEvent(ctx context.Context, event *models.ScoreEvent) error
}

// ScoreEventStore combines read and write operations for the score ledger.
type ScoreEventStore interface {
	ScoreEventReader
	ScoreEventWriter
}

// LedgerTotals aggregates the ledger across users.
type LedgerTotals interface {
	// TotalsByUser sums awarded points per user for events created in
	// [start, end) and recorded at or before recordedBy.
	TotalsByUser(ctx context.Context, start, end, recordedBy time.Time) (map[string]float64, error)
}

// LeaderboardReader defines read operations for leaderboard standings.
type LeaderboardReader interface {
	// FindByUserAndPeriod returns the user's entry, or nil if none exists.
	FindByUserAndPeriod(ctx context.Context, userID, period string) (*models.LeaderboardEntry, error)
	// FindTopN returns up to limit entries by descending score.
	FindTopN(ctx context.Context, period string, limit int) ([]*models.LeaderboardEntry, error)
	// CountGreaterThan counts entries with a strictly greater score.
	CountGreaterThan(ctx context.Context, period string, score float64) (int64, error)
	// FindAround returns up to aboveLimit entries with a strictly greater score,
	// closest first, and up to belowLimit entries with a strictly lower score,
	// closest first.
	FindAround(ctx context.Context, period string, score float64, aboveLimit, belowLimit int) (above, below []*models.LeaderboardEntry, err error)
}

// LeaderboardWriter defines write operations for leaderboard standings.
type LeaderboardWriter interface {
	// UpsertIncrement atomically adds delta to the (user, period) entry,
	// creating it when missing, and refreshes its snapshot fields.
	UpsertIncrement(ctx context.Context, userID, period string, delta float64, snap models.StandingSnapshot, at time.Time) error
}

// LeaderboardStore combines read and write operations for standings.
type LeaderboardStore interface {
	LeaderboardReader
	LeaderboardWriter
}

// UserLookup resolves host users for display snapshots.
type UserLookup interface {
	// FindUserByID returns the profile, or nil if the user does not exist.
	FindUserByID(ctx context.Context, userID string) (*models.UserProfile, error)
}
