// Package budget implements the session ledger: the atomic
// reserve / commit / refund protocol that keeps spent + reserved within a
// session's budget no matter how many gateway instances race on it.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/store"
)

var (
	// ErrReservationSettled is returned when a reservation is committed or
	// refunded a second time.
	ErrReservationSettled = errors.New("reservation already settled")
	// ErrReservationsInFlight is returned by Purge while holds are outstanding.
	ErrReservationsInFlight = errors.New("session has reservations in flight")
	// ErrSessionNotFound is returned by Purge for an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// settledTTL bounds how long a settle is remembered for retry deduplication.
const settledTTL = 24 * time.Hour

// Config holds ledger settings.
type Config struct {
	Default        float64       `yaml:"default"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

// Ledger owns budget, spent and reserved per session.
type Ledger struct {
	store  *store.Store
	cfg    Config
	retry  store.RetryPolicy
	log    zerolog.Logger
	now    func() time.Time
	onLeak func(sessionID string, reclaimed int)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetry overrides the store retry policy.
func WithRetry(p store.RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// WithLeakHook registers a callback invoked whenever abandoned holds are reclaimed.
func WithLeakHook(fn func(sessionID string, reclaimed int)) Option {
	return func(l *Ledger) { l.onLeak = fn }
}

// New creates a Ledger on top of s.
func New(s *store.Store, cfg Config, logger zerolog.Logger, opts ...Option) *Ledger {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	l := &Ledger{
		store: s,
		cfg:   cfg,
		retry: store.DefaultRetryPolicy(),
		log:   logger.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DefaultBudget returns the budget given to lazily created sessions.
func (l *Ledger) DefaultBudget() float64 { return l.cfg.Default }

// Reserve holds estimate against the session's remaining budget. It fails
// with *models.SessionFrozenError or *models.BudgetExceededError without
// changing reserved.
func (l *Ledger) Reserve(ctx context.Context, sessionID string, estimate float64) (*Reservation, error) {
	if estimate < 0 || math.IsNaN(estimate) || math.IsInf(estimate, 0) {
		return nil, &models.InvalidAmountError{Amount: estimate}
	}
	if estimate >= models.MaxMicros.Float() {
		return nil, l.unaffordable(ctx, sessionID, estimate)
	}
	est := models.USD(estimate)
	now := l.now()
	r := &Reservation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Estimate:  est.Float(),
		CreatedAt: now,
		Deadline:  now.Add(l.cfg.ReservationTTL),
	}

	keys := l.store.Keys()
	var reply store.Reply
	err := l.retry.Do(ctx, "reserve", func(ctx context.Context) error {
		res, err := reserveScript.Run(ctx, l.store.Client(),
			[]string{keys.Session(sessionID), keys.Holds(sessionID), keys.Deadlines(sessionID), keys.Sessions()},
			int64(models.USD(l.cfg.Default)), int64(est), r.ID, now.UnixMilli(), r.Deadline.UnixMilli(), sessionID,
		).Slice()
		reply = res
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	reclaimed, err := reply.Int(3)
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	l.reportLeak(sessionID, int(reclaimed))

	switch reply.Str(0) {
	case "frozen":
		expires, err := reply.Int(2)
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		fe := &models.SessionFrozenError{SessionID: sessionID, Reason: reply.Str(1)}
		if expires > 0 {
			fe.ExpiresAt = time.UnixMilli(expires)
		}
		return nil, fe
	case "exceeded":
		available, budget, err := twoInts(reply)
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		return nil, &models.BudgetExceededError{
			SessionID: sessionID,
			Budget:    models.Micros(budget).Float(),
			Remaining: clamp(models.Micros(available)).Float(),
			Required:  est.Float(),
		}
	case "ok":
		available, budget, err := twoInts(reply)
		if err != nil {
			return nil, fmt.Errorf("reserve: %w", err)
		}
		r.Remaining = models.Micros(available).Float()
		r.Budget = models.Micros(budget).Float()
		l.log.Debug().
			Str("session_id", sessionID).
			Str("reservation", r.ID).
			Stringer("estimate", est).
			Stringer("available", models.Micros(available)).
			Msg("reserved")
		return r, nil
	default:
		return nil, fmt.Errorf("reserve: unexpected script status %q", reply.Str(0))
	}
}

// unaffordable builds the denial for an estimate no budget can cover,
// without reserving anything.
func (l *Ledger) unaffordable(ctx context.Context, sessionID string, estimate float64) error {
	snap, err := l.Snapshot(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	return &models.BudgetExceededError{
		SessionID: sessionID,
		Budget:    snap.Budget,
		Remaining: snap.Remaining,
		Required:  estimate,
	}
}

// Commit settles r at the actual cost. The budget is not re-checked: when
// actual exceeds the estimate the excess is still charged and reported as
// overshoot.
func (l *Ledger) Commit(ctx context.Context, r *Reservation, actual float64) (*Settlement, error) {
	if actual < 0 || math.IsNaN(actual) {
		return nil, &models.InvalidAmountError{Amount: actual}
	}
	amount := min(models.USD(actual), models.MaxMicros)
	s, err := l.settle(ctx, r, "commit", fmt.Sprintf("%d", int64(amount)))
	if err != nil {
		return nil, err
	}
	s.Actual = amount.Float()
	if over := amount - models.USD(r.Estimate); over > 0 {
		s.Overshoot = over.Float()
		l.log.Warn().
			Str("session_id", r.SessionID).
			Str("reservation", r.ID).
			Float64("estimate", r.Estimate).
			Float64("actual", s.Actual).
			Float64("overshoot", s.Overshoot).
			Msg("actual cost exceeded reserved estimate")
	}
	return s, nil
}

// Refund releases r without charging anything.
func (l *Ledger) Refund(ctx context.Context, r *Reservation) (*Settlement, error) {
	return l.settle(ctx, r, "refund", "")
}

func (l *Ledger) settle(ctx context.Context, r *Reservation, op, actual string) (*Settlement, error) {
	if r == nil {
		return nil, fmt.Errorf("%s: nil reservation", op)
	}
	if !r.settled.CompareAndSwap(false, true) {
		return nil, ErrReservationSettled
	}

	keys := l.store.Keys()
	var reply store.Reply
	err := l.retry.Do(ctx, op, func(ctx context.Context) error {
		res, err := settleScript.Run(ctx, l.store.Client(),
			[]string{keys.Session(r.SessionID), keys.Holds(r.SessionID), keys.Deadlines(r.SessionID), keys.Settled(r.SessionID, r.ID)},
			r.ID, actual, int64(settledTTL.Seconds()),
		).Slice()
		reply = res
		return err
	})
	if err != nil {
		// The hold is still in the store; leave the handle usable so the
		// caller can try again. The settled marker makes a retry safe.
		r.settled.Store(false)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	vals := make([]int64, 4)
	for i := range vals {
		if vals[i], err = reply.Int(i + 1); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	s := &Settlement{
		Status:   reply.Str(0),
		Released: models.Micros(vals[0]).Float(),
		Spent:    models.Micros(vals[1]).Float(),
		Budget:   models.Micros(vals[2]).Float(),
		Reserved: models.Micros(vals[3]).Float(),
	}

	switch s.Status {
	case StatusOrphan:
		l.log.Error().
			Str("session_id", r.SessionID).
			Str("reservation", r.ID).
			Str("op", op).
			Msg("reservation leak: hold was reclaimed before it was settled")
	case StatusDuplicate:
		l.log.Warn().
			Str("session_id", r.SessionID).
			Str("reservation", r.ID).
			Str("op", op).
			Msg("settle replayed; store already applied it")
	}
	return s, nil
}

// Reset sets spent to zero. Budget and in-flight reservations are kept.
func (l *Ledger) Reset(ctx context.Context, sessionID string) error {
	keys := l.store.Keys()
	err := l.retry.Do(ctx, "reset", func(ctx context.Context) error {
		return resetScript.Run(ctx, l.store.Client(),
			[]string{keys.Session(sessionID), keys.Sessions()},
			int64(models.USD(l.cfg.Default)), l.now().UnixMilli(), sessionID,
		).Err()
	})
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	l.log.Info().Str("session_id", sessionID).Msg("session spend reset")
	return nil
}

// SetBudget replaces the session's budget.
func (l *Ledger) SetBudget(ctx context.Context, sessionID string, amount float64) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) || amount > models.MaxMicros.Float() {
		return &models.InvalidAmountError{Amount: amount}
	}
	keys := l.store.Keys()
	err := l.retry.Do(ctx, "set_budget", func(ctx context.Context) error {
		return setBudgetScript.Run(ctx, l.store.Client(),
			[]string{keys.Session(sessionID), keys.Sessions()},
			int64(models.USD(l.cfg.Default)), l.now().UnixMilli(), sessionID, int64(models.USD(amount)),
		).Err()
	})
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	l.log.Info().Str("session_id", sessionID).Float64("budget", amount).Msg("session budget set")
	return nil
}

// Snapshot reads the ledger counters of a session. Unknown sessions report
// the default budget with Exists=false.
func (l *Ledger) Snapshot(ctx context.Context, sessionID string) (models.BudgetSnapshot, error) {
	var vals []any
	err := l.retry.Do(ctx, "snapshot", func(ctx context.Context) error {
		res, err := l.store.Client().HMGet(ctx, l.store.Keys().Session(sessionID),
			"budget", "spent", "reserved", "created_at").Result()
		vals = res
		return err
	})
	if err != nil {
		return models.BudgetSnapshot{}, fmt.Errorf("snapshot: %w", err)
	}

	snap := models.BudgetSnapshot{SessionID: sessionID}
	if vals[0] == nil {
		snap.Budget = models.USD(l.cfg.Default).Float()
		snap.Remaining = snap.Budget
		return snap, nil
	}
	n := make([]int64, len(vals))
	for i, v := range vals {
		if n[i], err = store.Int64(v); err != nil {
			return models.BudgetSnapshot{}, fmt.Errorf("snapshot field %d: %w", i, err)
		}
	}
	budget, spent, reserved := models.Micros(n[0]), models.Micros(n[1]), models.Micros(n[2])
	snap.Exists = true
	snap.Budget = budget.Float()
	snap.Spent = spent.Float()
	snap.Reserved = reserved.Float()
	snap.Remaining = clamp(budget - spent - reserved).Float()
	if budget > 0 {
		snap.PercentageUsed = float64(spent) / float64(budget) * 100
	}
	if n[3] > 0 {
		snap.CreatedAt = time.UnixMilli(n[3]).UTC()
	}
	return snap, nil
}

// Purge deletes the session's ledger state. It refuses while reservations
// are in flight so that no hold can be lost.
func (l *Ledger) Purge(ctx context.Context, sessionID string) error {
	keys := l.store.Keys()
	var reply store.Reply
	err := l.retry.Do(ctx, "purge", func(ctx context.Context) error {
		res, err := purgeScript.Run(ctx, l.store.Client(),
			[]string{keys.Session(sessionID), keys.Holds(sessionID), keys.Deadlines(sessionID), keys.Sessions()},
			l.now().UnixMilli(), sessionID,
		).Slice()
		reply = res
		return err
	})
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if reclaimed, err := reply.Int(2); err == nil {
		l.reportLeak(sessionID, int(reclaimed))
	}
	switch reply.Str(0) {
	case "missing":
		return ErrSessionNotFound
	case "busy":
		return ErrReservationsInFlight
	}
	l.log.Info().Str("session_id", sessionID).Msg("session purged")
	return nil
}

// Sessions lists every session id the ledger knows about.
func (l *Ledger) Sessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.retry.Do(ctx, "list_sessions", func(ctx context.Context) error {
		ids = ids[:0]
		iter := l.store.Client().SScan(ctx, l.store.Keys().Sessions(), 0, "", 500).Iterator()
		for iter.Next(ctx) {
			ids = append(ids, iter.Val())
		}
		return iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

func (l *Ledger) reportLeak(sessionID string, reclaimed int) {
	if reclaimed <= 0 {
		return
	}
	l.log.Error().
		Str("session_id", sessionID).
		Int("reclaimed", reclaimed).
		Msg("reservation leak: reclaimed holds past their deadline")
	if l.onLeak != nil {
		l.onLeak(sessionID, reclaimed)
	}
}

func twoInts(r store.Reply) (int64, int64, error) {
	a, err := r.Int(1)
	if err != nil {
		return 0, 0, err
	}
	b, err := r.Int(2)
	return a, b, err
}

func clamp(m models.Micros) models.Micros {
	if m < 0 {
		return 0
	}
	return m
}
