// Package gorm provides GORM-based database operations for tally.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/thebtf/tally/internal/db"
	"github.com/thebtf/tally/pkg/models"
)

// UserStore reads the host application's users table.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore creates a new user lookup.
func NewUserStore(store *Store) *UserStore {
	return &UserStore{db: store.DB}
}

// FindUserByID returns the resolved profile, or nil if the user does not exist.
func (s *UserStore) FindUserByID(ctx context.Context, userID string) (*models.UserProfile, error) {
	var row User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return toUserProfile(&row), nil
}

// SaveUser creates or replaces a user row. The host normally owns this
// table; tallyctl and tests use it to seed profiles.
func (s *UserStore) SaveUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// toUserProfile resolves display name and visibility once, at the boundary.
// Display name prefers name, then username, then email. Visibility prefers
// the explicit column, then preferences.leaderboard.show, then visible.
func toUserProfile(u *User) *models.UserProfile {
	profile := &models.UserProfile{
		ID:                u.ID,
		AvatarURL:         u.AvatarURL.String,
		ShowOnLeaderboard: true,
	}

	for _, candidate := range []string{u.Name.String, u.Username.String, u.Email.String} {
		if name := strings.TrimSpace(candidate); name != "" {
			profile.DisplayName = &name
			break
		}
	}

	if u.ShowOnLeaderboard.Valid {
		profile.ShowOnLeaderboard = u.ShowOnLeaderboard.Bool
	} else if show, ok := preferenceShow(u.Preferences); ok {
		profile.ShowOnLeaderboard = show
	}

	return profile
}

// userPreferences is the subset of the host's preferences document we read.
type userPreferences struct {
	Leaderboard *struct {
		Show *bool `json:"show"`
	} `json:"leaderboard"`
	ShowOnLeaderboard *bool `json:"showOnLeaderboard"`
}

func preferenceShow(raw []byte) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var prefs userPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return false, false
	}
	if prefs.Leaderboard != nil && prefs.Leaderboard.Show != nil {
		return *prefs.Leaderboard.Show, true
	}
	if prefs.ShowOnLeaderboard != nil {
		return *prefs.ShowOnLeaderboard, true
	}
	return false, false
}

// Ensure UserStore satisfies the lookup interface
var _ db.UserLookup = (*UserStore)(nil)
