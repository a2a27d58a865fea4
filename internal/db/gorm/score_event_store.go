// Package gorm provides GORM-based database operations for tally.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

// ScoreEventStore provides score ledger operations.
type ScoreEventStore struct {
	db *gorm.DB
}

// NewScoreEventStore creates a new score ledger store.
func NewScoreEventStore(store *Store) *ScoreEventStore {
	return &ScoreEventStore{db: store.DB}
}

// FindBySource returns the event recorded for the idempotency key, or nil.
func (s *ScoreEventStore) FindBySource(ctx context.Context, userID string, action models.ActionType, sourceID string) (*models.ScoreEvent, error) {
	var row ScoreEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND action_type = ? AND source_id = ?", userID, string(action), sourceID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find score event by source: %w", err)
	}
	return toModelScoreEvent(&row), nil
}

// InsertEvent appends an event to the ledger. Missing ids and timestamps are
// filled in and written back to event. A taken idempotency key yields
// db.ErrDuplicateEvent.
func (s *ScoreEventStore) InsertEvent(ctx context.Context, event *models.ScoreEvent) error {
	if event.ID == "" {
		// Version 7 ids sort by creation time, which breaks ties in listings
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate event id: %w", err)
		}
		event.ID = id.String()
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = now
	}

	row, err := fromModelScoreEvent(event)
	if err != nil {
		return fmt.Errorf("encode score event meta: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return db.ErrDuplicateEvent
		}
		return fmt.Errorf("insert score event: %w", err)
	}
	return nil
}

// SumAndCountInWindow aggregates points awarded to a user in [start, end).
// An empty action aggregates across all action types.
func (s *ScoreEventStore) SumAndCountInWindow(ctx context.Context, userID string, action models.ActionType, start, end time.Time) (models.WindowTotals, error) {
	var agg struct {
		Total float64
		Cnt   int64
	}

	query := s.db.WithContext(ctx).
		Model(&ScoreEvent{}).
		Select("COALESCE(SUM(points_awarded), 0) AS total, COUNT(*) AS cnt").
		Where("user_id = ? AND created_at_epoch >= ? AND created_at_epoch < ?",
			userID, start.UnixMilli(), end.UnixMilli())

	if action != "" {
		query = query.Where("action_type = ?", string(action))
	}

	if err := query.Scan(&agg).Error; err != nil {
		return models.WindowTotals{}, fmt.Errorf("sum score events: %w", err)
	}

	return models.WindowTotals{Points: agg.Total, Count: agg.Cnt}, nil
}

// ListUserEvents returns a user's events in [start, end), oldest first.
func (s *ScoreEventStore) ListUserEvents(ctx context.Context, userID string, start, end time.Time, limit int) ([]*models.ScoreEvent, error) {
	var rows []ScoreEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at_epoch >= ? AND created_at_epoch < ?",
			userID, start.UnixMilli(), end.UnixMilli()).
		Order("created_at_epoch ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list score events: %w", err)
	}

	out := make([]*models.ScoreEvent, len(rows))
	for i := range rows {
		out[i] = toModelScoreEvent(&rows[i])
	}
	return out, nil
}

// TotalsByUser sums awarded points per user for events created in
// [start, end) and recorded at or before recordedBy.
func (s *ScoreEventStore) TotalsByUser(ctx context.Context, start, end, recordedBy time.Time) (map[string]float64, error) {
	var rows []struct {
		UserID string
		Total  float64
	}
	err := s.db.WithContext(ctx).
		Model(&ScoreEvent{}).
		Select("user_id, COALESCE(SUM(points_awarded), 0) AS total").
		Where("created_at_epoch >= ? AND created_at_epoch < ?", start.UnixMilli(), end.UnixMilli()).
		Where("recorded_at_epoch <= ?", recordedBy.UnixMilli()).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("total score events: %w", err)
	}

	totals := make(map[string]float64, len(rows))
	for _, r := range rows {
		totals[r.UserID] = r.Total
	}
	return totals, nil
}

// Ensure ScoreEventStore satisfies the ledger interfaces
var (
	_ db.ScoreEventStore = (*ScoreEventStore)(nil)
	_ db.LedgerTotals    = (*ScoreEventStore)(nil)
)
