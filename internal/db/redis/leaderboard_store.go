// Package redis provides a Redis sorted-set implementation of leaderboard
// standings for deployments that keep the ledger in SQL but want rank
// queries served from memory.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

// DefaultKeyPrefix namespaces all keys written by the store.
const DefaultKeyPrefix = "tally:lb:"

// Config holds connection pool settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	MaxIdle     int
	MaxActive   int
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

// NewPool creates a redigo connection pool.
func NewPool(cfg Config) *redis.Pool {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	return &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		Wait:        cfg.MaxActive > 0,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(cfg.DialTimeout),
				redis.DialDatabase(cfg.DB),
			}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.DialContext(ctx, "tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// LeaderboardStore keeps one sorted set per period (member = user id,
// score = points) plus two hashes holding display snapshots and update
// times. Equal scores are ordered by user id, not insertion order.
type LeaderboardStore struct {
	pool   *redis.Pool
	prefix string
}

// NewLeaderboardStore creates a store over pool. An empty prefix uses
// DefaultKeyPrefix.
func NewLeaderboardStore(pool *redis.Pool, prefix string) *LeaderboardStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &LeaderboardStore{pool: pool, prefix: prefix}
}

// Ping checks connectivity.
func (s *LeaderboardStore) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

func (s *LeaderboardStore) scoresKey(period string) string  { return s.prefix + period }
func (s *LeaderboardStore) metaKey(period string) string    { return s.prefix + period + ":meta" }
func (s *LeaderboardStore) updatedKey(period string) string { return s.prefix + period + ":updated" }

// entryMeta is the JSON snapshot stored per user in the meta hash.
type entryMeta struct {
	DisplayName string `json:"n"`
	Avatar      string `json:"a,omitempty"`
	OptOut      bool   `json:"o,omitempty"`
}

// UpsertIncrement adds delta with ZINCRBY inside MULTI/EXEC. ZINCRBY is
// atomic on the server, so concurrent increments are never lost.
// Unresolved snapshots are written with HSETNX and never replace an
// existing snapshot.
func (s *LeaderboardStore) UpsertIncrement(ctx context.Context, userID, period string, delta float64, snap models.StandingSnapshot, at time.Time) error {
	meta, err := json.Marshal(entryMeta{DisplayName: snap.DisplayName, Avatar: snap.Avatar, OptOut: snap.OptOut})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()

	setMeta := "HSETNX"
	if snap.Resolved {
		setMeta = "HSET"
	}

	if err := conn.Send("MULTI"); err != nil {
		return fmt.Errorf("begin leaderboard upsert: %w", err)
	}
	if err := conn.Send("ZINCRBY", s.scoresKey(period), formatScore(delta), userID); err != nil {
		return fmt.Errorf("queue score increment: %w", err)
	}
	if err := conn.Send(setMeta, s.metaKey(period), userID, meta); err != nil {
		return fmt.Errorf("queue snapshot: %w", err)
	}
	if err := conn.Send("HSET", s.updatedKey(period), userID, at.UnixMilli()); err != nil {
		return fmt.Errorf("queue last updated: %w", err)
	}

	if _, err := redis.Values(redis.DoContext(conn, ctx, "EXEC")); err != nil {
		return fmt.Errorf("upsert leaderboard entry: %w", err)
	}
	return nil
}

// FindByUserAndPeriod returns the user's entry, or nil if none exists.
func (s *LeaderboardStore) FindByUserAndPeriod(ctx context.Context, userID, period string) (*models.LeaderboardEntry, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()

	score, err := redis.Float64(redis.DoContext(conn, ctx, "ZSCORE", s.scoresKey(period), userID))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find leaderboard entry: %w", err)
	}

	entries, err := s.hydrate(ctx, conn, period, []scoredMember{{UserID: userID, Score: score}})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// FindTopN returns up to limit entries by descending score.
func (s *LeaderboardStore) FindTopN(ctx context.Context, period string, limit int) ([]*models.LeaderboardEntry, error) {
	if limit <= 0 {
		return []*models.LeaderboardEntry{}, nil
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()

	members, err := parseScoredMembers(redis.Values(redis.DoContext(conn, ctx,
		"ZREVRANGE", s.scoresKey(period), 0, limit-1, "WITHSCORES")))
	if err != nil {
		return nil, fmt.Errorf("find top leaderboard entries: %w", err)
	}
	return s.hydrate(ctx, conn, period, members)
}

// CountGreaterThan counts entries with a strictly greater score.
func (s *LeaderboardStore) CountGreaterThan(ctx context.Context, period string, score float64) (int64, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()

	count, err := redis.Int64(redis.DoContext(conn, ctx, "ZCOUNT", s.scoresKey(period), exclusive(score), "+inf"))
	if err != nil {
		return 0, fmt.Errorf("count leaderboard entries: %w", err)
	}
	return count, nil
}

// FindAround returns entries strictly above and strictly below score,
// each closest first.
func (s *LeaderboardStore) FindAround(ctx context.Context, period string, score float64, aboveLimit, belowLimit int) ([]*models.LeaderboardEntry, []*models.LeaderboardEntry, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()

	key := s.scoresKey(period)
	above := []*models.LeaderboardEntry{}
	below := []*models.LeaderboardEntry{}

	if aboveLimit > 0 {
		members, err := parseScoredMembers(redis.Values(redis.DoContext(conn, ctx,
			"ZRANGEBYSCORE", key, exclusive(score), "+inf", "WITHSCORES", "LIMIT", 0, aboveLimit)))
		if err != nil {
			return nil, nil, fmt.Errorf("find entries above: %w", err)
		}
		if above, err = s.hydrate(ctx, conn, period, members); err != nil {
			return nil, nil, err
		}
	}

	if belowLimit > 0 {
		members, err := parseScoredMembers(redis.Values(redis.DoContext(conn, ctx,
			"ZREVRANGEBYSCORE", key, exclusive(score), "-inf", "WITHSCORES", "LIMIT", 0, belowLimit)))
		if err != nil {
			return nil, nil, fmt.Errorf("find entries below: %w", err)
		}
		if below, err = s.hydrate(ctx, conn, period, members); err != nil {
			return nil, nil, err
		}
	}

	return above, below, nil
}

type scoredMember struct {
	UserID string
	Score  float64
}

// hydrate attaches snapshots and update times to scored members.
func (s *LeaderboardStore) hydrate(ctx context.Context, conn redis.Conn, period string, members []scoredMember) ([]*models.LeaderboardEntry, error) {
	out := make([]*models.LeaderboardEntry, len(members))
	if len(members) == 0 {
		return out, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}

	metas, err := redis.ByteSlices(redis.DoContext(conn, ctx, "HMGET", redis.Args{}.Add(s.metaKey(period)).AddFlat(ids)...))
	if err != nil {
		return nil, fmt.Errorf("load leaderboard snapshots: %w", err)
	}
	updated, err := redis.ByteSlices(redis.DoContext(conn, ctx, "HMGET", redis.Args{}.Add(s.updatedKey(period)).AddFlat(ids)...))
	if err != nil {
		return nil, fmt.Errorf("load leaderboard timestamps: %w", err)
	}

	for i, m := range members {
		entry := &models.LeaderboardEntry{
			UserID: m.UserID,
			Period: period,
			Score:  m.Score,
		}
		if i < len(metas) && metas[i] != nil {
			var meta entryMeta
			if err := json.Unmarshal(metas[i], &meta); err == nil {
				entry.DisplayNameSnapshot = meta.DisplayName
				entry.AvatarSnapshot = meta.Avatar
				entry.OptOutSnapshot = meta.OptOut
			}
		}
		if i < len(updated) && updated[i] != nil {
			if ms, err := strconv.ParseInt(string(updated[i]), 10, 64); err == nil {
				entry.LastUpdated = time.UnixMilli(ms).UTC()
			}
		}
		out[i] = entry
	}
	return out, nil
}

// parseScoredMembers decodes a WITHSCORES reply of alternating member/score.
func parseScoredMembers(values []interface{}, err error) ([]scoredMember, error) {
	if err != nil {
		return nil, err
	}
	if len(values)%2 != 0 {
		return nil, fmt.Errorf("odd WITHSCORES reply length %d", len(values))
	}

	out := make([]scoredMember, 0, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		member, err := redis.String(values[i], nil)
		if err != nil {
			return nil, err
		}
		score, err := redis.Float64(values[i+1], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, scoredMember{UserID: member, Score: score})
	}
	return out, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// exclusive renders an exclusive score bound.
func exclusive(v float64) string {
	return "(" + formatScore(v)
}

// Ensure LeaderboardStore satisfies the standings interface
var _ db.LeaderboardStore = (*LeaderboardStore)(nil)
