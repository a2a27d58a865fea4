package worker

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/thebtf/tally/internal/db/gorm"
	"github.com/thebtf/tally/internal/scoring"
	"github.com/thebtf/tally/pkg/models"
)

const (
	// DefaultEventsLimit is the default number of ledger events to return.
	DefaultEventsLimit = 100

	// MaxEventsLimit caps one events page.
	MaxEventsLimit = 1000
)

// handleAward records one user action.
// POST /api/points/award
func (s *Service) handleAward(w http.ResponseWriter, r *http.Request) {
	var req models.AwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	awarder, _, _ := s.engine()
	result, err := awarder.AwardPoints(r.Context(), req)
	if err != nil {
		if errors.Is(err, scoring.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqLog := requestLogger(r.Context())
		reqLog.Error().Err(err).
			Str("user_id", req.UserID).
			Str("action", string(req.ActionType)).
			Msg("Award failed")
		http.Error(w, "failed to award points", http.StatusInternalServerError)
		return
	}

	writeJSON(w, result)
}

// leaderboardResponse is one page of a period's standings.
type leaderboardResponse struct {
	Period  string               `json:"period"`
	Entries []models.RankedEntry `json:"entries"`
	Limit   int                  `json:"limit"`
}

// handleLeaderboard returns the top entries of a period.
// GET /api/leaderboard/{period}?limit=N
func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	period, ok := parsePeriodParam(w, r)
	if !ok {
		return
	}
	limit := scoring.ClampLimit(gorm.ParseLimitParamWithMax(r, scoring.DefaultLeaderboardLimit, scoring.MaxLeaderboardLimit))

	_, ranker, _ := s.engine()
	entries, err := ranker.Top(r.Context(), period, limit)
	if err != nil {
		reqLog := requestLogger(r.Context())
		reqLog.Error().Err(err).Str("period", period).Msg("Leaderboard query failed")
		http.Error(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.RankedEntry{}
	}

	writeJSON(w, leaderboardResponse{Period: period, Entries: entries, Limit: limit})
}

// handleMyRank returns a user's rank with neighbours.
// GET /api/leaderboard/{period}/users/{userID}
func (s *Service) handleMyRank(w http.ResponseWriter, r *http.Request) {
	period, ok := parsePeriodParam(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")

	_, ranker, _ := s.engine()
	result, err := ranker.MyRank(r.Context(), userID, period)
	if err != nil {
		reqLog := requestLogger(r.Context())
		reqLog.Error().Err(err).Str("period", period).Str("user_id", userID).Msg("Rank query failed")
		http.Error(w, "failed to load rank", http.StatusInternalServerError)
		return
	}
	if result == nil {
		http.Error(w, "user has no standing in period", http.StatusNotFound)
		return
	}

	writeJSON(w, result)
}

// handleUserEvents returns a user's ledger events for one UTC day.
// GET /api/users/{userID}/events?day=YYYY-MM-DD&limit=N
func (s *Service) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	day := time.Now()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			http.Error(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}
	start, end := models.DayWindow(day)
	limit := gorm.ParseLimitParamWithMax(r, DefaultEventsLimit, MaxEventsLimit)

	s.initMu.RLock()
	stores := s.stores
	s.initMu.RUnlock()
	if stores == nil {
		http.Error(w, "service shutting down", http.StatusServiceUnavailable)
		return
	}

	list, err := stores.Events.ListUserEvents(r.Context(), userID, start, end, limit)
	if err != nil {
		reqLog := requestLogger(r.Context())
		reqLog.Error().Err(err).Str("user_id", userID).Msg("Event listing failed")
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.ScoreEvent{}
	}

	writeJSON(w, map[string]interface{}{
		"user_id": userID,
		"day":     start.Format(time.DateOnly),
		"events":  list,
		"limit":   limit,
	})
}

// actionView is one row of the scoring table.
type actionView struct {
	ActionType models.ActionType `json:"action_type"`
	models.ActionConfig
}

// handleScoringActions returns the active scoring table.
// GET /api/scoring/actions
func (s *Service) handleScoringActions(w http.ResponseWriter, r *http.Request) {
	_, _, cfg := s.engine()

	actions := make([]actionView, 0, len(cfg.Actions()))
	for t, a := range cfg.Actions() {
		actions = append(actions, actionView{ActionType: t, ActionConfig: a})
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].ActionType < actions[j].ActionType })

	writeJSON(w, map[string]interface{}{
		"actions":          actions,
		"thresholds":       cfg.Thresholds(),
		"global_daily_cap": cfg.GlobalDailyCap(),
		"periods":          cfg.Periods(),
	})
}

// parsePeriodParam resolves the {period} URL parameter, writing 400 on failure.
func parsePeriodParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	period, err := models.ParsePeriod(chi.URLParam(r, "period"), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return period, true
}

// handleMaintenanceStats returns reconciliation scheduler statistics.
// GET /api/maintenance/stats
func (s *Service) handleMaintenanceStats(w http.ResponseWriter, r *http.Request) {
	s.initMu.RLock()
	maint := s.maint
	s.initMu.RUnlock()

	writeJSON(w, maint.Stats())
}

// handleReconcile repairs standings of the live periods from the ledger.
// POST /api/maintenance/reconcile?dry_run=true
func (s *Service) handleReconcile(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "dry_run must be a boolean", http.StatusBadRequest)
			return
		}
		dryRun = parsed
	}

	s.initMu.RLock()
	maint := s.maint
	s.initMu.RUnlock()

	reports, err := maint.RunNow(r.Context(), dryRun)
	if err != nil {
		reqLog := requestLogger(r.Context())
		reqLog.Error().Err(err).Msg("Reconciliation failed")
		http.Error(w, "failed to reconcile standings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{"reports": reports})
}
