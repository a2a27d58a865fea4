package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

// Leaderboard query bounds.
const (
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 200
	// NeighborCount is how many entries MyRank returns on each side.
	NeighborCount = 5
	// rankCountConcurrency bounds parallel rank counts for neighbours.
	rankCountConcurrency = 4
)

// ClampLimit maps a requested page size into [1, MaxLeaderboardLimit].
// Non-positive values select DefaultLeaderboardLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		return MaxLeaderboardLimit
	}
	return limit
}

// Ranker answers read-only leaderboard queries. It never touches the ledger.
type Ranker struct {
	log         zerolog.Logger
	boards      db.LeaderboardReader
	readTimeout time.Duration
}

// NewRanker creates a leaderboard query service. A non-positive timeout
// uses DefaultReadTimeout.
func NewRanker(boards db.LeaderboardReader, log zerolog.Logger, readTimeout time.Duration) *Ranker {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Ranker{
		log:         log.With().Str("component", "ranker").Logger(),
		boards:      boards,
		readTimeout: readTimeout,
	}
}

// Top returns the highest entries of a period with 1-based ranks assigned
// by position. Equal scores keep the store's order.
func (r *Ranker) Top(ctx context.Context, period string, limit int) ([]models.RankedEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	entries, err := r.boards.FindTopN(ctx, period, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("load leaderboard %s: %w", period, err)
	}

	ranked := make([]models.RankedEntry, len(entries))
	for i, e := range entries {
		ranked[i] = models.RankedEntry{LeaderboardEntry: *e, Rank: int64(i + 1)}
	}
	return ranked, nil
}

// MyRank returns the user's rank in a period with up to NeighborCount
// entries above and below, ordered from highest to lowest score with the
// user included. It returns nil when the user has no entry.
//
// Rank is 1 + the number of entries with a strictly greater score, so tied
// users share a rank.
func (r *Ranker) MyRank(ctx context.Context, userID, period string) (*models.RankResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
	defer cancel()

	self, err := r.boards.FindByUserAndPeriod(ctx, userID, period)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard entry: %w", err)
	}
	if self == nil {
		return nil, nil
	}

	above, below, err := r.boards.FindAround(ctx, period, self.Score, NeighborCount, NeighborCount)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard neighbours: %w", err)
	}

	// above is closest first; flip it so the list runs high to low
	ordered := make([]*models.LeaderboardEntry, 0, len(above)+1+len(below))
	for i := len(above) - 1; i >= 0; i-- {
		ordered = append(ordered, above[i])
	}
	selfIdx := len(ordered)
	ordered = append(ordered, self)
	ordered = append(ordered, below...)

	ranks, err := r.ranksFor(ctx, period, ordered)
	if err != nil {
		return nil, err
	}

	neighbors := make([]models.RankedEntry, len(ordered))
	for i, e := range ordered {
		neighbors[i] = models.RankedEntry{LeaderboardEntry: *e, Rank: ranks[e.Score]}
	}

	r.log.Debug().
		Str("user", userID).
		Str("period", period).
		Int64("rank", ranks[self.Score]).
		Int("neighbors", len(neighbors)-1).
		Msg("Rank computed")

	return &models.RankResult{
		UserID:    userID,
		Period:    period,
		Score:     self.Score,
		Rank:      neighbors[selfIdx].Rank,
		Neighbors: neighbors,
	}, nil
}

// ranksFor counts, once per distinct score, how many entries beat it.
func (r *Ranker) ranksFor(ctx context.Context, period string, entries []*models.LeaderboardEntry) (map[float64]int64, error) {
	scores := make([]float64, 0, len(entries))
	seen := make(map[float64]bool, len(entries))
	for _, e := range entries {
		if !seen[e.Score] {
			seen[e.Score] = true
			scores = append(scores, e.Score)
		}
	}

	counts := make([]int64, len(scores))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rankCountConcurrency)
	for i, score := range scores {
		g.Go(func() error {
			n, err := r.boards.CountGreaterThan(gctx, period, score)
			if err != nil {
				return fmt.Errorf("count entries above %v: %w", score, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ranks := make(map[float64]int64, len(scores))
	for i, score := range scores {
		ranks[score] = counts[i] + 1
	}
	return ranks, nil
}
