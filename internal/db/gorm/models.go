// Package gorm provides GORM-based database operations for tally.
package gorm

import (
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/thebtf/tally/pkg/models"
)

// GORM Models

// ScoreEvent is one row of the append-only score ledger.
// A NULL source id never collides with another row in the unique index.
// Field order optimized for memory alignment (fieldalignment).
type ScoreEvent struct {
	ID             string         `gorm:"primaryKey;type:varchar(36)"`
	UserID         string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_score_events_source,priority:1;index:idx_score_events_user_action_day,priority:1;index:idx_score_events_user_day,priority:1"`
	ActionType     string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_score_events_source,priority:2;index:idx_score_events_user_action_day,priority:2"`
	Reason         string         `gorm:"type:varchar(32);not null"`
	SourceID       sql.NullString `gorm:"type:varchar(191);uniqueIndex:idx_score_events_source,priority:3"`
	Meta           datatypes.JSON
	PointsRaw      float64 `gorm:"not null;default:0"`
	PointsAwarded  float64 `gorm:"not null;default:0"`
	CreatedAtEpoch int64   `gorm:"not null;index:idx_score_events_user_action_day,priority:3;index:idx_score_events_user_day,priority:2"`
	// RecordedAtEpoch is the insert time; CreatedAtEpoch is caller supplied.
	RecordedAtEpoch int64 `gorm:"not null;default:0;index"`
}

func (ScoreEvent) TableName() string { return "score_events" }

// BeforeCreate hook to ensure the timestamp is set.
func (e *ScoreEvent) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if e.CreatedAtEpoch == 0 {
		e.CreatedAtEpoch = now
	}
	if e.RecordedAtEpoch == 0 {
		e.RecordedAtEpoch = now
	}
	return nil
}

// LeaderboardEntry is the cached standing of one user in one period.
type LeaderboardEntry struct {
	UserID         string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_leaderboard_user_period,priority:1"`
	Period         string  `gorm:"type:varchar(16);not null;uniqueIndex:idx_leaderboard_user_period,priority:2;index:idx_leaderboard_period_score,priority:1"`
	DisplayName    string  `gorm:"type:varchar(255);not null;default:''"`
	Avatar         string  `gorm:"type:text;not null;default:''"`
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	Score          float64 `gorm:"not null;default:0;index:idx_leaderboard_period_score,priority:2,sort:desc"`
	UpdatedAtEpoch int64   `gorm:"column:last_updated_epoch;not null"`
	OptOut         bool    `gorm:"not null;default:false"`
}

func (LeaderboardEntry) TableName() string { return "leaderboard_entries" }

// User is the read model of the host application's users table.
type User struct {
	ID                string         `gorm:"primaryKey;type:varchar(64)"`
	Name              sql.NullString `gorm:"type:varchar(255)"`
	Username          sql.NullString `gorm:"type:varchar(255)"`
	Email             sql.NullString `gorm:"type:varchar(255)"`
	AvatarURL         sql.NullString `gorm:"type:text"`
	ShowOnLeaderboard sql.NullBool
	Preferences       datatypes.JSON
}

func (User) TableName() string { return "users" }

// toModelScoreEvent converts a ledger row to the domain model.
func toModelScoreEvent(e *ScoreEvent) *models.ScoreEvent {
	out := &models.ScoreEvent{
		ID:            e.ID,
		UserID:        e.UserID,
		ActionType:    models.ActionType(e.ActionType),
		SourceID:      e.SourceID.String,
		Reason:        models.AwardReason(e.Reason),
		PointsRaw:     e.PointsRaw,
		PointsAwarded: e.PointsAwarded,
		CreatedAt:     time.UnixMilli(e.CreatedAtEpoch).UTC(),
		RecordedAt:    time.UnixMilli(e.RecordedAtEpoch).UTC(),
	}
	if len(e.Meta) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(e.Meta, &meta); err == nil {
			out.Meta = meta
		}
	}
	return out
}

// fromModelScoreEvent converts a domain event to a ledger row.
func fromModelScoreEvent(e *models.ScoreEvent) (*ScoreEvent, error) {
	row := &ScoreEvent{
		ID:            e.ID,
		UserID:        e.UserID,
		ActionType:    string(e.ActionType),
		SourceID:      sqlNullString(e.SourceID),
		Reason:        string(e.Reason),
		PointsRaw:     e.PointsRaw,
		PointsAwarded: e.PointsAwarded,
	}
	if !e.CreatedAt.IsZero() {
		row.CreatedAtEpoch = e.CreatedAt.UnixMilli()
	}
	if !e.RecordedAt.IsZero() {
		row.RecordedAtEpoch = e.RecordedAt.UnixMilli()
	}
	if len(e.Meta) > 0 {
		raw, err := json.Marshal(e.Meta)
		if err != nil {
			return nil, err
		}
		row.Meta = datatypes.JSON(raw)
	}
	return row, nil
}

// toModelLeaderboardEntry converts a standings row to the domain model.
func toModelLeaderboardEntry(e *LeaderboardEntry) *models.LeaderboardEntry {
	return &models.LeaderboardEntry{
		UserID:              e.UserID,
		Period:              e.Period,
		Score:               e.Score,
		DisplayNameSnapshot: e.DisplayName,
		AvatarSnapshot:      e.Avatar,
		OptOutSnapshot:      e.OptOut,
		LastUpdated:         time.UnixMilli(e.UpdatedAtEpoch).UTC(),
	}
}

func toModelLeaderboardEntries(rows []LeaderboardEntry) []*models.LeaderboardEntry {
	out := make([]*models.LeaderboardEntry, len(rows))
	for i := range rows {
		out[i] = toModelLeaderboardEntry(&rows[i])
	}
	return out
}
