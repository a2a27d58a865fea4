package models

import "time"

// LeaderboardEntry is the cached score of one user within one period.
// Score only grows, by the amount of each award recorded in the ledger.
type LeaderboardEntry struct {
	LastUpdated         time.Time `json:"last_updated"`
	UserID              string    `json:"user_id"`
	Period              string    `json:"period"`
	DisplayNameSnapshot string    `json:"display_name"`
	AvatarSnapshot      string    `json:"avatar,omitempty"`
	Score               float64   `json:"score"`
	OptOutSnapshot      bool      `json:"opt_out"`
}

// RankedEntry is a leaderboard entry with its 1-based rank.
type RankedEntry struct {
	LeaderboardEntry
	Rank int64 `json:"rank"`
}

// RankResult is a user's standing within a period plus nearby competitors,
// ordered from highest to lowest score with the user included.
type RankResult struct {
	Neighbors []RankedEntry `json:"neighbors"`
	Period    string        `json:"period"`
	UserID    string        `json:"user_id"`
	Rank      int64         `json:"rank"`
	Score     float64       `json:"score"`
}

// StandingSnapshot is the display metadata copied into a leaderboard entry
// on every award.
type StandingSnapshot struct {
	DisplayName string
	Avatar      string
	OptOut      bool
	// Resolved is false when the user could not be looked up. Unresolved
	// snapshots seed new entries but never overwrite existing display fields.
	Resolved bool
}

// UserProfile is the host user as seen by the scoring engine.
type UserProfile struct {
	// DisplayName is nil when the user has no name, username or email.
	DisplayName       *string
	ID                string
	AvatarURL         string
	ShowOnLeaderboard bool
}

// Snapshot converts a profile, possibly nil, into a standing snapshot.
func (p *UserProfile) Snapshot() StandingSnapshot {
	if p == nil {
		return StandingSnapshot{OptOut: true}
	}
	snap := StandingSnapshot{
		Avatar:   p.AvatarURL,
		OptOut:   !p.ShowOnLeaderboard,
		Resolved: true,
	}
	if p.DisplayName != nil {
		snap.DisplayName = *p.DisplayName
	}
	return snap
}
