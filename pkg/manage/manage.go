// Package manage is the operator surface shared by the dashboard API, the
// MCP server and the CLI.
package manage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tokengate/tokengate/pkg/anomaly"
	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/session"
	"github.com/tokengate/tokengate/pkg/store"
)

// listConcurrency bounds the store fan-out of List and Stats.
const listConcurrency = 16

// ErrNotFound is returned for sessions the ledger has never seen.
var ErrNotFound = errors.New("session not found")

// Service reads and administers sessions.
type Service struct {
	store    *store.Store
	ledger   *budget.Ledger
	states   *session.Machine
	detector *anomaly.Detector
	log      zerolog.Logger
}

// New creates a Service.
func New(s *store.Store, l *budget.Ledger, m *session.Machine, d *anomaly.Detector, logger zerolog.Logger) *Service {
	return &Service{
		store:    s,
		ledger:   l,
		states:   m,
		detector: d,
		log:      logger.With().Str("component", "manage").Logger(),
	}
}

// Snapshot returns the ledger, state and request-rate view of one session.
func (s *Service) Snapshot(ctx context.Context, id string) (models.SessionSummary, error) {
	b, err := s.ledger.Snapshot(ctx, id)
	if err != nil {
		return models.SessionSummary{}, err
	}
	sum := models.SessionSummary{BudgetSnapshot: b}

	st, err := s.states.Snapshot(ctx, id)
	if err != nil {
		return models.SessionSummary{}, err
	}
	if st.Frozen() {
		sum.IsFrozen = true
		sum.FreezeReason = st.Freeze.Reason
		if !st.Freeze.ExpiresAt.IsZero() {
			exp := st.Freeze.ExpiresAt
			sum.FreezeExpiresAt = &exp
		}
	}

	an, err := s.detector.Stats(ctx, id)
	if err != nil {
		return models.SessionSummary{}, err
	}
	sum.RequestsLastMinute = an.RequestsInWindow
	return sum, nil
}

// List returns every known session, sorted by id.
func (s *Service) List(ctx context.Context) ([]models.SessionSummary, error) {
	ids, err := s.ledger.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionSummary, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			sum, err := s.Snapshot(gctx, id)
			if err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
			out[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Stats aggregates all sessions.
func (s *Service) Stats(ctx context.Context) (models.GatewayStats, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return models.GatewayStats{}, err
	}
	var st models.GatewayStats
	var budgetTotal, spentTotal, remainingTotal models.Micros
	for _, sum := range sessions {
		st.TotalSessions++
		if sum.IsFrozen {
			st.FrozenSessions++
		} else {
			st.ActiveSessions++
		}
		budgetTotal += models.USD(sum.Budget)
		spentTotal += models.USD(sum.Spent)
		remainingTotal += models.USD(sum.Remaining)
	}
	st.TotalBudget = budgetTotal.Float()
	st.TotalSpent = spentTotal.Float()
	st.TotalRemaining = remainingTotal.Float()
	return st, nil
}

// AnomalyStats returns the detector's window counters for a session.
func (s *Service) AnomalyStats(ctx context.Context, id string) (models.AnomalyStats, error) {
	return s.detector.Stats(ctx, id)
}

// Reset zeroes a session's spend.
func (s *Service) Reset(ctx context.Context, id string) error {
	return s.ledger.Reset(ctx, id)
}

// SetBudget replaces a session's budget.
func (s *Service) SetBudget(ctx context.Context, id string, amount float64) error {
	return s.ledger.SetBudget(ctx, id, amount)
}

// Indefinite asks Freeze for a freeze that only Unfreeze lifts.
const Indefinite time.Duration = -1

// DefaultFreeze bounds a manual freeze when neither the caller nor the
// anomaly configuration gives a duration.
const DefaultFreeze = time.Hour

// FreezeDuration resolves the expiry a manual freeze of d gets. Zero takes
// the anomaly freeze duration; a negative d resolves to zero, no expiry.
func (s *Service) FreezeDuration(d time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d > 0:
		return d
	}
	if fd := s.detector.Config().FreezeDuration; fd > 0 {
		return fd
	}
	return DefaultFreeze
}

// Freeze blocks a session and returns the duration applied. Only
// Indefinite freezes without expiry.
func (s *Service) Freeze(ctx context.Context, id, reason string, d time.Duration) (time.Duration, error) {
	if reason == "" {
		reason = "frozen by operator"
	}
	d = s.FreezeDuration(d)
	if _, err := s.states.Freeze(ctx, id, reason, d); err != nil {
		return 0, err
	}
	return d, nil
}

// Unfreeze reopens a session and clears its anomaly window so the requests
// that tripped the detector do not trip it again.
func (s *Service) Unfreeze(ctx context.Context, id string) (bool, error) {
	changed, err := s.states.Unfreeze(ctx, id)
	if err != nil {
		return false, err
	}
	if err := s.detector.Clear(ctx, id); err != nil {
		return changed, err
	}
	return changed, nil
}

// Purge deletes a session's ledger and window state.
func (s *Service) Purge(ctx context.Context, id string) error {
	if err := s.ledger.Purge(ctx, id); err != nil {
		if errors.Is(err, budget.ErrSessionNotFound) {
			return ErrNotFound
		}
		return err
	}
	return s.detector.Clear(ctx, id)
}

// Health probes the store.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return &models.StoreUnavailableError{Op: "ping", Err: err}
	}
	return nil
}
