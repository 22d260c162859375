package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/anomaly"
	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/manage"
	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/session"
	"github.com/tokengate/tokengate/pkg/store/storetest"
)

type fakeDecisions struct {
	rows []models.Decision
	got  models.DecisionQueryOpts
}

func (f *fakeDecisions) Query(_ context.Context, opts models.DecisionQueryOpts) ([]models.Decision, error) {
	f.got = opts
	return f.rows, nil
}

func newServer(t *testing.T, decisions DecisionQuerier) (*Server, *budget.Ledger) {
	t.Helper()
	_, s := storetest.New(t)
	l := budget.New(s, budget.Config{Default: 10}, zerolog.Nop())
	m := session.New(s, 10, zerolog.Nop())
	d := anomaly.New(s, m, anomaly.DefaultConfig(), zerolog.Nop())
	return New(manage.New(s, l, m, d, zerolog.Nop()), decisions, "test", zerolog.Nop()), l
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	_ = json.Unmarshal(data, &result)

	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, protocolVersion)
	}
	if result.ServerInfo.Name != "tokengate" {
		t.Errorf("server name = %s, want tokengate", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	_ = json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestSetBudgetAndSession(t *testing.T) {
	srv, l := newServer(t, nil)

	res := callTool(t, srv, "tokengate_set_budget", `{"session_id":"agent-1","budget":25.5}`)
	if res.IsError {
		t.Fatalf("set_budget failed: %s", res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, "$25.5000") {
		t.Errorf("unexpected text: %s", res.Content[0].Text)
	}

	snap, err := l.Snapshot(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Budget != 25.5 {
		t.Errorf("budget = %v, want 25.5", snap.Budget)
	}

	res = callTool(t, srv, "tokengate_session", `{"session_id":"agent-1"}`)
	if res.IsError {
		t.Fatalf("session failed: %s", res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, "Remaining: $25.5000") {
		t.Errorf("unexpected text: %s", res.Content[0].Text)
	}
}

func TestSetBudgetRejectsNegative(t *testing.T) {
	srv, _ := newServer(t, nil)
	res := callTool(t, srv, "tokengate_set_budget", `{"session_id":"a","budget":-3}`)
	if !res.IsError {
		t.Error("expected error result")
	}
}

func TestSessionRequiresID(t *testing.T) {
	srv, _ := newServer(t, nil)
	for _, name := range []string{"tokengate_session", "tokengate_reset", "tokengate_unfreeze"} {
		res := callTool(t, srv, name, `{}`)
		if !res.IsError || !strings.Contains(res.Content[0].Text, "session_id is required") {
			t.Errorf("%s: expected session_id error, got %+v", name, res)
		}
	}
}

func TestUnknownSession(t *testing.T) {
	srv, _ := newServer(t, nil)
	res := callTool(t, srv, "tokengate_session", `{"session_id":"ghost"}`)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "not found") {
		t.Errorf("expected not found, got %+v", res)
	}
}

func TestFreezeUnfreeze(t *testing.T) {
	srv, l := newServer(t, nil)
	ctx := context.Background()

	res := callTool(t, srv, "tokengate_freeze", `{"session_id":"a","reason":"runaway","duration":"10m"}`)
	if res.IsError {
		t.Fatalf("freeze failed: %s", res.Content[0].Text)
	}
	if _, err := l.Reserve(ctx, "a", 0.01); err == nil {
		t.Fatal("expected frozen session to deny")
	}

	res = callTool(t, srv, "tokengate_sessions", `{}`)
	if !strings.Contains(res.Content[0].Text, "frozen: runaway") {
		t.Errorf("expected frozen row, got: %s", res.Content[0].Text)
	}

	res = callTool(t, srv, "tokengate_unfreeze", `{"session_id":"a"}`)
	if res.Content[0].Text != "Session a unfrozen." {
		t.Errorf("unexpected text: %s", res.Content[0].Text)
	}
	res = callTool(t, srv, "tokengate_unfreeze", `{"session_id":"a"}`)
	if res.Content[0].Text != "Session a was not frozen." {
		t.Errorf("unexpected text: %s", res.Content[0].Text)
	}
	if _, err := l.Reserve(ctx, "a", 0.01); err != nil {
		t.Fatalf("reserve after unfreeze: %v", err)
	}
}

func TestFreezeBadDuration(t *testing.T) {
	srv, _ := newServer(t, nil)
	res := callTool(t, srv, "tokengate_freeze", `{"session_id":"a","duration":"later"}`)
	if !res.IsError {
		t.Error("expected error result")
	}
}

func TestFreezeDefaultsToExpiry(t *testing.T) {
	srv, _ := newServer(t, nil)
	res := callTool(t, srv, "tokengate_freeze", `{"session_id":"a"}`)
	if res.IsError || res.Content[0].Text != "Session a frozen for 5m0s." {
		t.Errorf("unexpected result: %+v", res)
	}
	res = callTool(t, srv, "tokengate_freeze", `{"session_id":"b","indefinite":true}`)
	if res.IsError || res.Content[0].Text != "Session b frozen until unfrozen." {
		t.Errorf("unexpected result: %+v", res)
	}
	res = callTool(t, srv, "tokengate_freeze", `{"session_id":"c","indefinite":true,"duration":"1m"}`)
	if !res.IsError {
		t.Error("expected error for indefinite with duration")
	}
}

func TestResetAndStats(t *testing.T) {
	srv, l := newServer(t, nil)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Commit(ctx, r, 3); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, srv, "tokengate_stats", `{}`)
	if !strings.Contains(res.Content[0].Text, "Spent:     $3.0000") {
		t.Errorf("unexpected stats: %s", res.Content[0].Text)
	}

	callTool(t, srv, "tokengate_reset", `{"session_id":"a"}`)
	snap, err := l.Snapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Spent != 0 {
		t.Errorf("spent = %v after reset", snap.Spent)
	}
}

func TestDecisionsNotConfigured(t *testing.T) {
	srv, _ := newServer(t, nil)
	res := callTool(t, srv, "tokengate_decisions", `{}`)
	if !strings.Contains(res.Content[0].Text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", res.Content[0].Text)
	}
}

func TestDecisions(t *testing.T) {
	actual := 0.042
	fd := &fakeDecisions{rows: []models.Decision{{
		RequestID: "r1", SessionID: "a", Model: "gpt-4", Outcome: models.DecisionAllowed,
		EstimatedCost: 0.06, ActualCost: &actual, CreatedAt: time.Now(),
	}}}
	srv, _ := newServer(t, fd)

	res := callTool(t, srv, "tokengate_decisions", `{"session_id":"a","since":"2026-01-02"}`)
	if res.IsError {
		t.Fatalf("decisions failed: %s", res.Content[0].Text)
	}
	if !strings.Contains(res.Content[0].Text, "0.0420") {
		t.Errorf("expected actual cost in output, got: %s", res.Content[0].Text)
	}
	if fd.got.Limit != 50 || fd.got.SessionID != "a" || fd.got.Since.IsZero() {
		t.Errorf("unexpected query opts: %+v", fd.got)
	}

	res = callTool(t, srv, "tokengate_decisions", `{"since":"yesterday"}`)
	if !res.IsError {
		t.Error("expected error for bad date")
	}
}

func TestUnknownTool(t *testing.T) {
	srv, _ := newServer(t, nil)
	res := callTool(t, srv, "nonexistent_tool", `{}`)
	if !res.IsError {
		t.Error("expected isError for unknown tool")
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`10`),
		Method:  "unknown/method",
	})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
}

func TestParseErrorAndNotifications(t *testing.T) {
	srv, _ := newServer(t, nil)
	in := strings.Join([]string{
		`not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"1.0","id":3,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":4,"method":"ping"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := srv.Run(context.Background(), strings.NewReader(in), &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d: %q", len(lines), lines)
	}

	var resp Response
	_ = json.Unmarshal([]byte(lines[0]), &resp)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}
	_ = json.Unmarshal([]byte(lines[1]), &resp)
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request, got %+v", resp)
	}
	resp = Response{}
	_ = json.Unmarshal([]byte(lines[2]), &resp)
	if resp.Error != nil || string(resp.ID) != "4" {
		t.Errorf("expected ping result, got %+v", resp)
	}
}
