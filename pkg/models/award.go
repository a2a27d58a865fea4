package models

import "time"

// AwardReason classifies how an award was computed.
type AwardReason string

const (
	ReasonNormal             AwardReason = "normal"
	ReasonDiminished         AwardReason = "diminished"
	ReasonActionCapTruncated AwardReason = "action_cap_truncated"
	ReasonGlobalCapTruncated AwardReason = "global_cap_truncated"
	ReasonNoPoints           AwardReason = "no_points"
	ReasonDuplicate          AwardReason = "duplicate"
)

// ScoreEvent is one immutable ledger record per scored occurrence.
// Points are fractional: multipliers below 1 are kept as-is, never rounded.
type ScoreEvent struct {
	CreatedAt time.Time `json:"created_at"`
	// RecordedAt is when the ledger stored the event. CreatedAt may be
	// backdated by the caller; RecordedAt never is.
	RecordedAt    time.Time      `json:"recorded_at"`
	Meta          map[string]any `json:"meta,omitempty"`
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	ActionType    ActionType     `json:"action_type"`
	SourceID      string         `json:"source_id,omitempty"`
	Reason        AwardReason    `json:"reason"`
	PointsRaw     float64        `json:"points_raw"`
	PointsAwarded float64        `json:"points_awarded"`
}

// WindowTotals is the ledger aggregate over a time window.
type WindowTotals struct {
	Points float64 `json:"points"`
	Count  int64   `json:"count"`
}

// AwardRequest asks for points for one user action.
type AwardRequest struct {
	// Timestamp of the occurrence; zero means now.
	Timestamp  time.Time      `json:"timestamp"`
	Meta       map[string]any `json:"meta,omitempty"`
	UserID     string         `json:"user_id"`
	ActionType ActionType     `json:"action_type"`
	// SourceID ties the award to a real-world occurrence for deduplication.
	SourceID string `json:"source_id,omitempty"`
}

// AwardResult is the outcome of one award attempt.
type AwardResult struct {
	Reason     AwardReason  `json:"reason"`
	Details    AwardDetails `json:"details"`
	FinalAward float64      `json:"final_award"`
	PointsRaw  float64      `json:"points_raw"`
}

// AwardDetails explains an award; useful for debugging and audit.
type AwardDetails struct {
	EventID          string   `json:"event_id,omitempty"`
	Day              string   `json:"day,omitempty"`
	Periods          []string `json:"periods,omitempty"`
	BasePoints       float64  `json:"base_points"`
	Multiplier       float64  `json:"multiplier"`
	Occurrence       int      `json:"occurrence"`
	ActionTotalToday float64  `json:"action_total_today"`
	GlobalTotalToday float64  `json:"global_total_today"`
	ActionCap        float64  `json:"-"`
	GlobalCap        float64  `json:"global_cap"`
	KnownAction      bool     `json:"known_action"`
}
