package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tokengate/tokengate/pkg/manage"
	"github.com/tokengate/tokengate/pkg/models"
)

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

type setBudgetArgs struct {
	SessionID string      `json:"session_id"`
	Budget    json.Number `json:"budget"`
}

type freezeArgs struct {
	SessionID  string `json:"session_id"`
	Reason     string `json:"reason"`
	Duration   string `json:"duration"`
	Indefinite bool   `json:"indefinite"`
}

type decisionsArgs struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Outcome   string `json:"outcome"`
	Since     string `json:"since"`
	Limit     int    `json:"limit"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"tokengate_sessions":   handleSessions,
	"tokengate_session":    handleSession,
	"tokengate_stats":      handleStats,
	"tokengate_reset":      handleReset,
	"tokengate_set_budget": handleSetBudget,
	"tokengate_freeze":     handleFreeze,
	"tokengate_unfreeze":   handleUnfreeze,
	"tokengate_decisions":  handleDecisions,
}

func sessionIDSchema(extra map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"session_id": map[string]any{"type": "string", "description": "The session ID"},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"required":   append([]string{"session_id"}, required...),
		"properties": props,
	}
}

var allTools = []ToolDefinition{
	{
		Name:        "tokengate_sessions",
		Description: "List every known session with budget, spend and freeze state.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "tokengate_session",
		Description: "Show the budget ledger, freeze state and anomaly window of one session.",
		InputSchema: sessionIDSchema(nil),
	},
	{
		Name:        "tokengate_stats",
		Description: "Show gateway-wide totals: sessions, frozen sessions, budget and spend.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "tokengate_reset",
		Description: "Zero a session's spend. The budget and in-flight reservations are kept.",
		InputSchema: sessionIDSchema(nil),
	},
	{
		Name:        "tokengate_set_budget",
		Description: "Replace a session's budget in USD.",
		InputSchema: sessionIDSchema(map[string]any{
			"budget": map[string]any{"type": "number", "description": "New budget in USD"},
		}, "budget"),
	},
	{
		Name:        "tokengate_freeze",
		Description: "Block a session from admitting requests.",
		InputSchema: sessionIDSchema(map[string]any{
			"reason":     map[string]any{"type": "string", "description": "Reason shown to callers (optional)"},
			"duration":   map[string]any{"type": "string", "description": "How long to freeze, e.g. 10m (optional, defaults to the anomaly freeze duration)"},
			"indefinite": map[string]any{"type": "boolean", "description": "Freeze until explicitly unfrozen (optional, excludes duration)"},
		}),
	},
	{
		Name:        "tokengate_unfreeze",
		Description: "Reopen a frozen session and clear its anomaly window.",
		InputSchema: sessionIDSchema(nil),
	},
	{
		Name:        "tokengate_decisions",
		Description: "Search the admission decision audit trail.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string", "description": "Filter by session (optional)"},
				"model":      map[string]any{"type": "string", "description": "Filter by model (optional)"},
				"outcome":    map[string]any{"type": "string", "description": "allowed, denied or upstream_failed (optional)"},
				"since":      map[string]any{"type": "string", "description": "Start date in YYYY-MM-DD format (optional)"},
				"limit":      map[string]any{"type": "integer", "description": "Maximum rows, default 50"},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func requireSession(raw json.RawMessage) (string, *ToolCallResult) {
	var args sessionArgs
	if err := decodeArgs(raw, &args); err != nil {
		r := errorResult("Invalid arguments: " + err.Error())
		return "", &r
	}
	if args.SessionID == "" {
		r := errorResult("session_id is required")
		return "", &r
	}
	return args.SessionID, nil
}

func handleSessions(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	list, err := s.svc.List(ctx)
	if err != nil {
		return errorResult("Error listing sessions: " + err.Error())
	}
	return textResult(formatSessions(list))
}

func handleSession(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	id, bad := requireSession(raw)
	if bad != nil {
		return *bad
	}
	sum, err := s.svc.Snapshot(ctx, id)
	if err != nil {
		return errorResult("Error fetching session: " + err.Error())
	}
	if !sum.Exists {
		return errorResult("Session " + id + " not found")
	}
	an, err := s.svc.AnomalyStats(ctx, id)
	if err != nil {
		return errorResult("Error fetching anomaly stats: " + err.Error())
	}
	return textResult(formatSession(sum, an))
}

func handleStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	st, err := s.svc.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching stats: " + err.Error())
	}
	return textResult(formatStats(st))
}

func handleReset(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	id, bad := requireSession(raw)
	if bad != nil {
		return *bad
	}
	if err := s.svc.Reset(ctx, id); err != nil {
		return errorResult("Error resetting session: " + err.Error())
	}
	return textResult("Session " + id + " reset.")
}

func handleSetBudget(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args setBudgetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SessionID == "" {
		return errorResult("session_id is required")
	}
	amount, err := models.ParseUSD(args.Budget.String())
	if err != nil || amount < 0 {
		return errorResult("budget must be a non-negative dollar amount")
	}
	if err := s.svc.SetBudget(ctx, args.SessionID, amount.Float()); err != nil {
		return errorResult("Error setting budget: " + err.Error())
	}
	return textResult("Session " + args.SessionID + " budget set to " + amount.String() + ".")
}

func handleFreeze(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args freezeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.SessionID == "" {
		return errorResult("session_id is required")
	}
	var d time.Duration
	switch {
	case args.Indefinite && args.Duration != "":
		return errorResult("duration and indefinite are mutually exclusive")
	case args.Indefinite:
		d = manage.Indefinite
	case args.Duration != "":
		var err error
		if d, err = time.ParseDuration(args.Duration); err != nil || d <= 0 {
			return errorResult("Invalid duration (use e.g. 10m): " + args.Duration)
		}
	}
	applied, err := s.svc.Freeze(ctx, args.SessionID, args.Reason, d)
	if err != nil {
		return errorResult("Error freezing session: " + err.Error())
	}
	if applied == 0 {
		return textResult("Session " + args.SessionID + " frozen until unfrozen.")
	}
	return textResult("Session " + args.SessionID + " frozen for " + applied.String() + ".")
}

func handleUnfreeze(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	id, bad := requireSession(raw)
	if bad != nil {
		return *bad
	}
	changed, err := s.svc.Unfreeze(ctx, id)
	if err != nil {
		if errors.Is(err, manage.ErrNotFound) {
			return errorResult("Session " + id + " not found")
		}
		return errorResult("Error unfreezing session: " + err.Error())
	}
	if !changed {
		return textResult("Session " + id + " was not frozen.")
	}
	return textResult("Session " + id + " unfrozen.")
}

func handleDecisions(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.decisions == nil {
		return textResult("Audit trail is not configured.")
	}
	var args decisionsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	opts := models.DecisionQueryOpts{
		SessionID: args.SessionID,
		Model:     args.Model,
		Outcome:   args.Outcome,
		Limit:     args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}
	ds, err := s.decisions.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching decisions: " + err.Error())
	}
	return textResult(formatDecisions(ds))
}
