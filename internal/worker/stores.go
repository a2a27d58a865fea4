package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	redigo "github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/tally/internal/config"
	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/internal/db/gorm"
	lbredis "github.com/thebtf/tally/internal/db/redis"
)

// RedisPingTimeout bounds the startup connectivity check.
const RedisPingTimeout = 5 * time.Second

// Stores bundles the opened persistence layer.
type Stores struct {
	DB     *gorm.Store
	Redis  *redigo.Pool // nil when standings live in SQL
	Events *gorm.ScoreEventStore
	Users  *gorm.UserStore
	Boards db.LeaderboardStore
}

// NewSQLStores wires every store over one SQL database.
func NewSQLStores(store *gorm.Store) *Stores {
	return &Stores{
		DB:     store,
		Events: gorm.NewScoreEventStore(store),
		Users:  gorm.NewUserStore(store),
		Boards: gorm.NewLeaderboardStore(store),
	}
}

// OpenStores opens the database, running migrations, and moves standings
// to Redis when an address is configured.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	store, err := gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	stores := NewSQLStores(store)

	if cfg.RedisAddr == "" {
		return stores, nil
	}

	pool := lbredis.NewPool(lbredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	boards := lbredis.NewLeaderboardStore(pool, cfg.RedisKeyPrefix)

	pingCtx, cancel := context.WithTimeout(ctx, RedisPingTimeout)
	err = boards.Ping(pingCtx)
	cancel()
	if err != nil {
		_ = pool.Close()
		_ = store.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	stores.Redis = pool
	stores.Boards = boards
	log.Info().Str("addr", cfg.RedisAddr).Msg("Leaderboard standings stored in Redis")
	return stores, nil
}

// Close releases the Redis pool and the database.
func (s *Stores) Close() error {
	var errs []error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := s.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// gormLogLevel maps the service log level onto GORM's SQL logger.
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "trace":
		return logger.Info
	case "debug":
		return logger.Warn
	default:
		return logger.Silent
	}
}
