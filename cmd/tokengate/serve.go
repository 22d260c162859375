package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/admission"
	"github.com/tokengate/tokengate/pkg/audit"
	"github.com/tokengate/tokengate/pkg/dashboard"
	"github.com/tokengate/tokengate/pkg/metrics"
	"github.com/tokengate/tokengate/pkg/pricing"
	"github.com/tokengate/tokengate/pkg/proxy"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway proxy and dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Proxy.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	collector := metrics.New("tokengate")

	st, err := a.openStack(ctx, collector)
	if err != nil {
		return err
	}
	defer st.Close()

	estimator, err := pricing.NewEstimator(a.cfg.Pricing, a.log)
	if err != nil {
		return fmt.Errorf("init pricing: %w", err)
	}

	ctrlOpts := []admission.Option{admission.WithMetrics(collector)}
	dashOpts := []dashboard.Option{dashboard.WithMetrics(collector.Handler())}
	if a.cfg.Audit.Enabled {
		auditor, err := audit.New(a.cfg.Audit, a.log)
		if err != nil {
			return fmt.Errorf("init audit: %w", err)
		}
		defer func() { _ = auditor.Close() }()
		ctrlOpts = append(ctrlOpts, admission.WithRecorder(auditor))
		dashOpts = append(dashOpts, dashboard.WithDecisions(auditor))
	}

	ctrl := admission.New(st.ledger, st.machine, st.detector, estimator, a.cfg.Admission, a.log, ctrlOpts...)

	up, err := proxy.NewUpstream(a.cfg.Upstream)
	if err != nil {
		return fmt.Errorf("init upstream: %w", err)
	}

	srv := proxy.New(a.cfg.Proxy, ctrl, up, pricing.NewTokenCounter(a.cfg.Pricing.Tokenizer, a.log), a.log)
	dashboard.New(st.svc, a.log, dashOpts...).Mount(srv)

	a.log.Info().
		Str("upstream", a.cfg.Upstream.URL).
		Float64("default_budget", a.cfg.Budget.Default).
		Bool("strict_mode", a.cfg.Proxy.StrictMode).
		Bool("anomaly", a.cfg.Anomaly.Enabled).
		Bool("audit", a.cfg.Audit.Enabled).
		Msg("starting tokengate")
	return srv.ListenAndServe(ctx)
}
