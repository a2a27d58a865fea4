package scoring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

var errStoreDown = errors.New("store unavailable")

// memLedger is an in-memory score ledger with the same uniqueness rule as
// the SQL schema.
type memLedger struct {
	mu        sync.Mutex
	events    []*models.ScoreEvent
	insertErr error
	readErr   error
	// hideSources makes FindBySource miss the first n lookups, simulating a
	// concurrent writer that commits between the check and the insert.
	hideSources int
}

func (l *memLedger) FindBySource(_ context.Context, userID string, action models.ActionType, sourceID string) (*models.ScoreEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	if l.hideSources > 0 {
		l.hideSources--
		return nil, nil
	}
	for _, e := range l.events {
		if e.UserID == userID && e.ActionType == action && e.SourceID == sourceID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *memLedger) InsertEvent(_ context.Context, event *models.ScoreEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return l.insertErr
	}
	if event.SourceID != "" {
		for _, e := range l.events {
			if e.UserID == event.UserID && e.ActionType == event.ActionType && e.SourceID == event.SourceID {
				return db.ErrDuplicateEvent
			}
		}
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	cp := *event
	l.events = append(l.events, &cp)
	return nil
}

func (l *memLedger) SumAndCountInWindow(_ context.Context, userID string, action models.ActionType, start, end time.Time) (models.WindowTotals, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return models.WindowTotals{}, l.readErr
	}
	var totals models.WindowTotals
	for _, e := range l.events {
		if e.UserID != userID || (action != "" && e.ActionType != action) {
			continue
		}
		if e.CreatedAt.Before(start) || !e.CreatedAt.Before(end) {
			continue
		}
		totals.Points += e.PointsAwarded
		totals.Count++
	}
	return totals, nil
}

func (l *memLedger) all() []*models.ScoreEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.ScoreEvent, len(l.events))
	copy(out, l.events)
	return out
}

// memBoard is an in-memory leaderboard keeping insertion order for ties.
type memBoard struct {
	mu        sync.Mutex
	entries   map[string][]*models.LeaderboardEntry
	upserts   int
	upsertErr error
}

func newMemBoard() *memBoard {
	return &memBoard{entries: make(map[string][]*models.LeaderboardEntry)}
}

func (b *memBoard) UpsertIncrement(_ context.Context, userID, period string, delta float64, snap models.StandingSnapshot, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts++
	if b.upsertErr != nil {
		return b.upsertErr
	}
	for _, e := range b.entries[period] {
		if e.UserID == userID {
			e.Score += delta
			e.LastUpdated = at
			if snap.Resolved {
				e.DisplayNameSnapshot = snap.DisplayName
				e.AvatarSnapshot = snap.Avatar
				e.OptOutSnapshot = snap.OptOut
			}
			return nil
		}
	}
	b.entries[period] = append(b.entries[period], &models.LeaderboardEntry{
		UserID:              userID,
		Period:              period,
		Score:               delta,
		DisplayNameSnapshot: snap.DisplayName,
		AvatarSnapshot:      snap.Avatar,
		OptOutSnapshot:      snap.OptOut,
		LastUpdated:         at,
	})
	return nil
}

func (b *memBoard) FindByUserAndPeriod(_ context.Context, userID, period string) (*models.LeaderboardEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries[period] {
		if e.UserID == userID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (b *memBoard) sorted(period string) []*models.LeaderboardEntry {
	out := make([]*models.LeaderboardEntry, 0, len(b.entries[period]))
	for _, e := range b.entries[period] {
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (b *memBoard) FindTopN(_ context.Context, period string, limit int) ([]*models.LeaderboardEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.sorted(period)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (b *memBoard) CountGreaterThan(_ context.Context, period string, score float64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, e := range b.entries[period] {
		if e.Score > score {
			n++
		}
	}
	return n, nil
}

func (b *memBoard) FindAround(_ context.Context, period string, score float64, aboveLimit, belowLimit int) ([]*models.LeaderboardEntry, []*models.LeaderboardEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.sorted(period)

	var above, below []*models.LeaderboardEntry
	for i := len(all) - 1; i >= 0 && len(above) < aboveLimit; i-- {
		if all[i].Score > score {
			above = append(above, all[i])
		}
	}
	for _, e := range all {
		if len(below) >= belowLimit {
			break
		}
		if e.Score < score {
			below = append(below, e)
		}
	}
	return above, below, nil
}

func (b *memBoard) upsertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upserts
}

// memUsers is a fixed user directory.
type memUsers struct {
	profiles map[string]*models.UserProfile
	err      error
}

func (u *memUsers) FindUserByID(_ context.Context, userID string) (*models.UserProfile, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.profiles[userID], nil
}

var (
	_ db.ScoreEventStore  = (*memLedger)(nil)
	_ db.LeaderboardStore = (*memBoard)(nil)
	_ db.UserLookup       = (*memUsers)(nil)
)
