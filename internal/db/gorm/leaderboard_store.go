// Package gorm provides GORM-based database operations for tally.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

// LeaderboardStore provides leaderboard standings operations.
type LeaderboardStore struct {
	db *gorm.DB
}

// NewLeaderboardStore creates a new standings store.
func NewLeaderboardStore(store *Store) *LeaderboardStore {
	return &LeaderboardStore{db: store.DB}
}

// UpsertIncrement adds delta to the (user, period) entry in a single
// INSERT ... ON CONFLICT DO UPDATE statement, so concurrent awards for the
// same entry never lose an increment.
func (s *LeaderboardStore) UpsertIncrement(ctx context.Context, userID, period string, delta float64, snap models.StandingSnapshot, at time.Time) error {
	now := at.UnixMilli()

	entry := &LeaderboardEntry{
		UserID:         userID,
		Period:         period,
		Score:          delta,
		DisplayName:    snap.DisplayName,
		Avatar:         snap.Avatar,
		OptOut:         snap.OptOut,
		UpdatedAtEpoch: now,
	}

	updates := map[string]any{
		"score":              gorm.Expr("leaderboard_entries.score + excluded.score"),
		"last_updated_epoch": gorm.Expr("excluded.last_updated_epoch"),
	}
	// Unresolved users only seed new rows; existing display fields stay intact
	if snap.Resolved {
		updates["display_name"] = gorm.Expr("excluded.display_name")
		updates["avatar"] = gorm.Expr("excluded.avatar")
		updates["opt_out"] = gorm.Expr("excluded.opt_out")
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "period"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("upsert leaderboard entry: %w", err)
	}
	return nil
}

// FindByUserAndPeriod returns the user's entry, or nil if none exists.
func (s *LeaderboardStore) FindByUserAndPeriod(ctx context.Context, userID, period string) (*models.LeaderboardEntry, error) {
	var row LeaderboardEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND period = ?", userID, period).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find leaderboard entry: %w", err)
	}
	return toModelLeaderboardEntry(&row), nil
}

// FindTopN returns up to limit entries by descending score.
// Ties keep insertion order.
func (s *LeaderboardStore) FindTopN(ctx context.Context, period string, limit int) ([]*models.LeaderboardEntry, error) {
	var rows []LeaderboardEntry
	err := s.db.WithContext(ctx).
		Where("period = ?", period).
		Order("score DESC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find top leaderboard entries: %w", err)
	}
	return toModelLeaderboardEntries(rows), nil
}

// CountGreaterThan counts entries in the period with a strictly greater score.
func (s *LeaderboardStore) CountGreaterThan(ctx context.Context, period string, score float64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&LeaderboardEntry{}).
		Where("period = ? AND score > ?", period, score).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count leaderboard entries: %w", err)
	}
	return count, nil
}

// FindAround returns the entries just above and just below score, each
// ordered by proximity to score.
func (s *LeaderboardStore) FindAround(ctx context.Context, period string, score float64, aboveLimit, belowLimit int) ([]*models.LeaderboardEntry, []*models.LeaderboardEntry, error) {
	var above, below []LeaderboardEntry

	if aboveLimit > 0 {
		err := s.db.WithContext(ctx).
			Where("period = ? AND score > ?", period, score).
			Order("score ASC, id DESC").
			Limit(aboveLimit).
			Find(&above).Error
		if err != nil {
			return nil, nil, fmt.Errorf("find entries above: %w", err)
		}
	}

	if belowLimit > 0 {
		err := s.db.WithContext(ctx).
			Where("period = ? AND score < ?", period, score).
			Order("score DESC, id ASC").
			Limit(belowLimit).
			Find(&below).Error
		if err != nil {
			return nil, nil, fmt.Errorf("find entries below: %w", err)
		}
	}

	return toModelLeaderboardEntries(above), toModelLeaderboardEntries(below), nil
}

// Ensure LeaderboardStore satisfies the standings interface
var _ db.LeaderboardStore = (*LeaderboardStore)(nil)
