// Package gorm provides GORM-based database operations for tally.
package gorm

import (
	"context"
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Score ledger
		{
			ID: "001_score_events",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates the table with the idempotency and window indexes
				return tx.AutoMigrate(&ScoreEvent{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("score_events")
			},
		},

		// Migration 002: Leaderboard standings
		{
			ID: "002_leaderboard_entries",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&LeaderboardEntry{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("leaderboard_entries")
			},
		},

		// Migration 003: Host users table (no-op when the host already created it)
		{
			ID: "003_users",
			Migrate: func(tx *gorm.DB) error {
				if tx.Migrator().HasTable(&User{}) {
					return nil
				}
				return tx.Migrator().CreateTable(&User{})
			},
			Rollback: func(tx *gorm.DB) error {
				// The users table belongs to the host application.
				return nil
			},
		},

		// Migration 004: Insert time, separate from the caller-supplied event time
		{
			ID: "004_score_events_recorded_at",
			Migrate: func(tx *gorm.DB) error {
				if !tx.Migrator().HasColumn(&ScoreEvent{}, "RecordedAtEpoch") {
					if err := tx.Migrator().AddColumn(&ScoreEvent{}, "RecordedAtEpoch"); err != nil {
						return err
					}
				}
				if !tx.Migrator().HasIndex(&ScoreEvent{}, "RecordedAtEpoch") {
					if err := tx.Migrator().CreateIndex(&ScoreEvent{}, "RecordedAtEpoch"); err != nil {
						return err
					}
				}
				// Older rows only know their event time
				return tx.Exec("UPDATE score_events SET recorded_at_epoch = created_at_epoch WHERE recorded_at_epoch = 0").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropColumn(&ScoreEvent{}, "RecordedAtEpoch")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}

// Migrate runs pending migrations on an already opened store.
func (s *Store) Migrate() error {
	return runMigrations(s.DB)
}

// AppliedMigrations lists the ids of applied migrations in order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]string, error) {
	opts := gormigrate.DefaultOptions
	var ids []string
	err := s.DB.WithContext(ctx).
		Table(opts.TableName).
		Order(opts.IDColumnName).
		Pluck(opts.IDColumnName, &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return ids, nil
}
