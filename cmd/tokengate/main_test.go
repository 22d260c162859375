package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setupEnv(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("TOKENGATE_REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("TOKENGATE_LOG_LEVEL", "disabled")
	return mr
}

func TestBudgetCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "budget", "set", "agent-1", "25.50")
	require.NoError(t, err)
	assert.Contains(t, out, "budget set to $25.5000")

	out, err = run(t, "budget", "get", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "agent-1")
	assert.Contains(t, out, "$25.5000")

	out, err = run(t, "budget", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "agent-1")

	_, err = run(t, "budget", "reset", "agent-1")
	require.NoError(t, err)

	out, err = run(t, "budget", "purge", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "purged")

	_, err = run(t, "budget", "get", "agent-1")
	assert.ErrorContains(t, err, "not found")
}

func TestBudgetSetRejectsBadAmount(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "budget", "set", "agent-1", "lots")
	assert.Error(t, err)
	_, err = run(t, "budget", "set", "agent-1", "-5")
	assert.Error(t, err)
}

func TestFreezeUnfreezeCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "freeze", "agent-1", "--reason", "runaway", "--duration", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "frozen for 10m0s")

	out, err = run(t, "budget", "get", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "frozen (runaway)")

	out, err = run(t, "unfreeze", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "unfrozen")

	out, err = run(t, "anomaly-stats", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Requests:  0 / 100")
}

func TestFreezeCommandDefaultsToExpiry(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "freeze", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, "frozen for 5m0s")

	out, err = run(t, "freeze", "agent-2", "--indefinite")
	require.NoError(t, err)
	assert.Contains(t, out, "frozen until unfrozen")

	_, err = run(t, "freeze", "agent-3", "--indefinite", "--duration", "1m")
	assert.Error(t, err)
}

func TestStatsAndHealth(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "budget", "set", "a", "5")
	require.NoError(t, err)

	out, err := run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total budget")
	assert.Contains(t, out, "$5.0000")

	out, err = run(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestHealthStoreDown(t *testing.T) {
	mr := setupEnv(t)
	mr.Close()
	_, err := run(t, "health")
	assert.Error(t, err)
}

func TestPricingCommand(t *testing.T) {
	t.Setenv("TOKENGATE_LOG_LEVEL", "disabled")

	out, err := run(t, "pricing")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-4")

	out, err = run(t, "pricing", "--model", "gpt-4", "--input", "1000", "--output", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-4: $0.0900")

	_, err = run(t, "pricing", "--model", "mystery-model", "--input", "10")
	assert.Error(t, err)
}

func TestAuditCommands(t *testing.T) {
	t.Setenv("TOKENGATE_LOG_LEVEL", "disabled")
	t.Setenv("TOKENGATE_AUDIT_DB", filepath.Join(t.TempDir(), "audit.db"))

	out, err := run(t, "audit", "search")
	require.NoError(t, err)
	assert.Contains(t, out, "No decisions found.")

	out, err = run(t, "audit", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "No decision stats found.")

	out, err = run(t, "audit", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 decisions.")

	_, err = run(t, "audit", "search", "--since", "last-week")
	assert.Error(t, err)
}
