package models

import "time"

// SessionState is the admission state of a session.
type SessionState string

const (
	StateActive SessionState = "active"
	StateFrozen SessionState = "frozen"
)

// FreezeInfo describes why and until when a session is frozen.
type FreezeInfo struct {
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StateSnapshot is the state machine view of a session.
type StateSnapshot struct {
	State  SessionState `json:"state"`
	Freeze *FreezeInfo  `json:"freeze,omitempty"`
}

// Frozen reports whether the snapshot is in the frozen state.
func (s StateSnapshot) Frozen() bool { return s.State == StateFrozen }

// BudgetSnapshot is the ledger view of a session. Amounts are USD.
type BudgetSnapshot struct {
	SessionID      string    `json:"session_id"`
	Exists         bool      `json:"exists"`
	Budget         float64   `json:"budget"`
	Spent          float64   `json:"spent"`
	Reserved       float64   `json:"reserved"`
	Remaining      float64   `json:"remaining"`
	PercentageUsed float64   `json:"percentage_used"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// AnomalyStats reports the current sliding-window counters of a session.
type AnomalyStats struct {
	RequestsInWindow      int     `json:"requests_in_window"`
	IdenticalRun          int     `json:"identical_consecutive"`
	SpendInWindow         float64 `json:"spend_in_window"`
	MaxRequests           int     `json:"max_requests"`
	LoopThreshold         int     `json:"loop_threshold"`
	VelocityThreshold     float64 `json:"velocity_threshold"`
	RateWindowSeconds     float64 `json:"rate_window_seconds"`
	VelocityWindowSeconds float64 `json:"velocity_window_seconds"`
}

// SessionSummary joins the ledger, state and anomaly views of one session.
type SessionSummary struct {
	BudgetSnapshot
	IsFrozen           bool       `json:"is_frozen"`
	FreezeReason       string     `json:"freeze_reason,omitempty"`
	FreezeExpiresAt    *time.Time `json:"freeze_expires_at,omitempty"`
	RequestsLastMinute int        `json:"requests_last_minute"`
}

// GatewayStats aggregates all known sessions.
type GatewayStats struct {
	TotalSessions  int     `json:"total_sessions"`
	ActiveSessions int     `json:"active_sessions"`
	FrozenSessions int     `json:"frozen_sessions"`
	TotalBudget    float64 `json:"total_budget"`
	TotalSpent     float64 `json:"total_spent"`
	TotalRemaining float64 `json:"total_remaining"`
}
