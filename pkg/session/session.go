// Package session implements the ACTIVE/FROZEN state machine kept in the
// session hash. Expiry is applied lazily whenever the state is read; there
// are no timers.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/store"
)

// KEYS: session, index
// ARGV: default_budget, now_ms, session_id, reason, expires_ms
// Reply: {transitioned, expires_ms}
var freezeScript = redis.NewScript(store.LuaSessionHelpers + `
local now = tonumber(ARGV[2])
ensure_session(KEYS[1], KEYS[2], ARGV[3], ARGV[1], now)
expire_freeze(KEYS[1], now)
if redis.call('HGET', KEYS[1], 'state') == 'frozen' then
  redis.call('HSET', KEYS[1], 'freeze_reason', ARGV[4])
  return {0, num(KEYS[1], 'freeze_expires_at')}
end
redis.call('HSET', KEYS[1], 'state', 'frozen', 'freeze_reason', ARGV[4], 'freeze_expires_at', ARGV[5])
return {1, tonumber(ARGV[5])}
`)

// KEYS: session
// ARGV: now_ms
// Reply: transitioned
var unfreezeScript = redis.NewScript(store.LuaSessionHelpers + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
expire_freeze(KEYS[1], tonumber(ARGV[1]))
if redis.call('HGET', KEYS[1], 'state') ~= 'frozen' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'active')
redis.call('HDEL', KEYS[1], 'freeze_reason', 'freeze_expires_at')
return 1
`)

// KEYS: session
// ARGV: now_ms
// Reply: {state, reason, expires_ms}
var stateScript = redis.NewScript(store.LuaSessionHelpers + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'active', '', 0}
end
expire_freeze(KEYS[1], tonumber(ARGV[1]))
local state = redis.call('HGET', KEYS[1], 'state') or 'active'
return {state, redis.call('HGET', KEYS[1], 'freeze_reason') or '', num(KEYS[1], 'freeze_expires_at')}
`)

// Machine reads and drives session state transitions.
type Machine struct {
	store         *store.Store
	defaultBudget models.Micros
	retry         store.RetryPolicy
	log           zerolog.Logger
	now           func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithRetry overrides the store retry policy.
func WithRetry(p store.RetryPolicy) Option {
	return func(m *Machine) { m.retry = p }
}

// New creates a Machine. defaultBudget seeds sessions that are frozen
// before they have ever reserved.
func New(s *store.Store, defaultBudget float64, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:         s,
		defaultBudget: models.USD(defaultBudget),
		retry:         store.DefaultRetryPolicy(),
		log:           logger.With().Str("component", "session").Logger(),
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Freeze moves an active session to FROZEN until now+d. A zero d freezes
// until an operator unfreezes. Freezing a frozen session only replaces the
// reason and reports false.
func (m *Machine) Freeze(ctx context.Context, id, reason string, d time.Duration) (bool, error) {
	now := m.now()
	var expires int64
	if d > 0 {
		expires = now.Add(d).UnixMilli()
	}
	keys := m.store.Keys()
	var reply store.Reply
	err := m.retry.Do(ctx, "freeze", func(ctx context.Context) error {
		res, err := freezeScript.Run(ctx, m.store.Client(),
			[]string{keys.Session(id), keys.Sessions()},
			int64(m.defaultBudget), now.UnixMilli(), id, reason, expires,
		).Slice()
		reply = res
		return err
	})
	if err != nil {
		return false, fmt.Errorf("freeze: %w", err)
	}
	transitioned, err := reply.Int(0)
	if err != nil {
		return false, fmt.Errorf("freeze: %w", err)
	}

	ev := m.log.Warn().Str("session_id", id).Str("reason", reason)
	if transitioned == 1 {
		if d > 0 {
			ev = ev.Time("expires_at", time.UnixMilli(expires).UTC())
		}
		ev.Msg("session frozen")
		return true, nil
	}
	ev.Msg("session already frozen; reason updated")
	return false, nil
}

// Unfreeze returns a frozen session to ACTIVE. It reports false when the
// session was not frozen.
func (m *Machine) Unfreeze(ctx context.Context, id string) (bool, error) {
	var n int64
	err := m.retry.Do(ctx, "unfreeze", func(ctx context.Context) error {
		res, err := unfreezeScript.Run(ctx, m.store.Client(),
			[]string{m.store.Keys().Session(id)}, m.now().UnixMilli()).Int64()
		n = res
		return err
	})
	if err != nil {
		return false, fmt.Errorf("unfreeze: %w", err)
	}
	if n == 1 {
		m.log.Info().Str("session_id", id).Msg("session unfrozen")
	}
	return n == 1, nil
}

// State returns the current state, applying an elapsed freeze first.
func (m *Machine) State(ctx context.Context, id string) (models.SessionState, error) {
	snap, err := m.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return snap.State, nil
}

// Snapshot returns the state together with the freeze details.
func (m *Machine) Snapshot(ctx context.Context, id string) (models.StateSnapshot, error) {
	var reply store.Reply
	err := m.retry.Do(ctx, "state", func(ctx context.Context) error {
		res, err := stateScript.Run(ctx, m.store.Client(),
			[]string{m.store.Keys().Session(id)}, m.now().UnixMilli()).Slice()
		reply = res
		return err
	})
	if err != nil {
		return models.StateSnapshot{}, fmt.Errorf("state: %w", err)
	}

	snap := models.StateSnapshot{State: models.SessionState(reply.Str(0))}
	if snap.State != models.StateFrozen {
		return snap, nil
	}
	expires, err := reply.Int(2)
	if err != nil {
		return models.StateSnapshot{}, fmt.Errorf("state: %w", err)
	}
	snap.Freeze = &models.FreezeInfo{Reason: reply.Str(1)}
	if expires > 0 {
		snap.Freeze.ExpiresAt = time.UnixMilli(expires).UTC()
	}
	return snap, nil
}
