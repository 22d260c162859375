package main

import (
	"context"
	"fmt"

	"github.com/tokengate/tokengate/pkg/anomaly"
	"github.com/tokengate/tokengate/pkg/budget"
	"github.com/tokengate/tokengate/pkg/manage"
	"github.com/tokengate/tokengate/pkg/metrics"
	"github.com/tokengate/tokengate/pkg/session"
	"github.com/tokengate/tokengate/pkg/store"
)

// stack is the store-backed core shared by serve and the admin commands.
type stack struct {
	store    *store.Store
	ledger   *budget.Ledger
	machine  *session.Machine
	detector *anomaly.Detector
	svc      *manage.Service
}

// openStack connects to Redis and builds the ledger, state machine and
// detector. A non-nil collector receives retry, leak and trigger events.
func (a *app) openStack(ctx context.Context, collector *metrics.Collector) (*stack, error) {
	s, err := store.New(ctx, a.cfg.Redis, a.log)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	retry := a.cfg.Retry
	if collector != nil {
		retry.OnRetry = collector.StoreRetry
	}
	ledgerOpts := []budget.Option{budget.WithRetry(retry)}
	detectorOpts := []anomaly.Option{anomaly.WithRetry(retry)}
	if collector != nil {
		ledgerOpts = append(ledgerOpts, budget.WithLeakHook(collector.ReservationLeak))
		detectorOpts = append(detectorOpts, anomaly.WithTriggerHook(collector.AnomalyTrigger))
	}

	l := budget.New(s, a.cfg.Budget, a.log, ledgerOpts...)
	m := session.New(s, a.cfg.Budget.Default, a.log, session.WithRetry(retry))
	d := anomaly.New(s, m, a.cfg.Anomaly, a.log, detectorOpts...)
	return &stack{
		store:    s,
		ledger:   l,
		machine:  m,
		detector: d,
		svc:      manage.New(s, l, m, d, a.log),
	}, nil
}

func (s *stack) Close() {
	_ = s.store.Close()
}
