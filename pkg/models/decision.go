package models

import "time"

// Decision outcomes.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionFailed  = "upstream_failed"
)

// Decision is the record emitted for every request that reached admission.
type Decision struct {
	RequestID     string        `json:"request_id"`
	SessionID     string        `json:"session_id"`
	Model         string        `json:"model"`
	Outcome       string        `json:"outcome"`
	Reason        string        `json:"reason,omitempty"`
	EstimatedCost float64       `json:"estimated_cost"`
	ActualCost    *float64      `json:"actual_cost,omitempty"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  *int          `json:"output_tokens,omitempty"`
	Remaining     *float64      `json:"remaining,omitempty"`
	Error         string        `json:"error,omitempty"`
	Latency       time.Duration `json:"latency"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AuditConfig controls the decision audit trail.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	ExcludeModels []string `yaml:"exclude_models"`
	MaxErrorSize  int      `yaml:"max_error_size"`
}

// DecisionQueryOpts specifies filters for querying recorded decisions.
type DecisionQueryOpts struct {
	SessionID string
	Model     string
	Outcome   string
	Reason    string
	RequestID string
	Since     time.Time
	Limit     int
}

// DecisionStat holds aggregate decision counts for a model/outcome/day combination.
type DecisionStat struct {
	Model   string
	Outcome string
	Day     string
	Count   int
	Spent   float64
}
