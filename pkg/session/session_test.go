package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/store/storetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFreezeUnfreeze(t *testing.T) {
	_, s := storetest.New(t)
	m := New(s, 10, zerolog.Nop(), WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	state, err := m.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, state)

	changed, err := m.Freeze(ctx, "s1", "rate limit exceeded", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, changed)

	snap, err := m.Snapshot(ctx, "s1")
	require.NoError(t, err)
	require.True(t, snap.Frozen())
	assert.Equal(t, "rate limit exceeded", snap.Freeze.Reason)
	assert.Equal(t, t0.Add(5*time.Minute), snap.Freeze.ExpiresAt)

	changed, err = m.Unfreeze(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, changed)

	snap, err = m.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, snap.State)
	assert.Nil(t, snap.Freeze)

	changed, err = m.Unfreeze(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRefreezeKeepsExpiry(t *testing.T) {
	now := t0
	_, s := storetest.New(t)
	m := New(s, 10, zerolog.Nop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.Freeze(ctx, "s1", "loop detected", time.Minute)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	changed, err := m.Freeze(ctx, "s1", "spending velocity exceeded", time.Hour)
	require.NoError(t, err)
	assert.False(t, changed)

	snap, err := m.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "spending velocity exceeded", snap.Freeze.Reason)
	assert.Equal(t, t0.Add(time.Minute), snap.Freeze.ExpiresAt)
}

func TestFreezeExpiresLazily(t *testing.T) {
	now := t0
	clock := func() time.Time { return now }
	_, s := storetest.New(t)
	m := New(s, 10, zerolog.Nop(), WithClock(clock))
	l := budget.New(s, budget.Config{Default: 10}, zerolog.Nop(), budget.WithClock(clock))
	ctx := context.Background()

	_, err := m.Freeze(ctx, "s1", "loop detected", 300*time.Second)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "s1", 0.10)
	var fe *models.SessionFrozenError
	require.ErrorAs(t, err, &fe)

	now = now.Add(299 * time.Second)
	state, err := m.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFrozen, state)

	now = now.Add(time.Second)
	state, err = m.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, state)

	fields, err := s.Client().HGetAll(ctx, s.Keys().Session("s1")).Result()
	require.NoError(t, err)
	assert.NotContains(t, fields, "freeze_reason")
	assert.NotContains(t, fields, "freeze_expires_at")

	_, err = l.Reserve(ctx, "s1", 0.10)
	assert.NoError(t, err)
}

func TestFreezeWithoutExpiry(t *testing.T) {
	now := t0
	_, s := storetest.New(t)
	m := New(s, 10, zerolog.Nop(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.Freeze(ctx, "s1", "operator hold", 0)
	require.NoError(t, err)

	now = now.Add(30 * 24 * time.Hour)
	snap, err := m.Snapshot(ctx, "s1")
	require.NoError(t, err)
	require.True(t, snap.Frozen())
	assert.True(t, snap.Freeze.ExpiresAt.IsZero())
}

func TestFreezeCreatesSession(t *testing.T) {
	_, s := storetest.New(t)
	m := New(s, 7.5, zerolog.Nop())
	ctx := context.Background()

	_, err := m.Freeze(ctx, "new", "manual", time.Minute)
	require.NoError(t, err)

	isMember, err := s.Client().SIsMember(ctx, s.Keys().Sessions(), "new").Result()
	require.NoError(t, err)
	assert.True(t, isMember)
	b, err := s.Client().HGet(ctx, s.Keys().Session("new"), "budget").Int64()
	require.NoError(t, err)
	assert.EqualValues(t, 7_500_000, b)
}
