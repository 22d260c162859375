package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/audit"
	"github.com/tokengate/tokengate/pkg/models"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the admission decision audit trail",
	}
	cmd.AddCommand(
		newAuditSearchCmd(a),
		newAuditShowCmd(a),
		newAuditStatsCmd(a),
		newAuditCleanupCmd(a),
	)
	return cmd
}

func newAuditSearchCmd(a *app) *cobra.Command {
	var (
		opts  models.DecisionQueryOpts
		since string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search recorded decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openAudit()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			ds, err := l.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			writeDecisions(cmd.OutOrStdout(), ds)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "filter by session ID")
	cmd.Flags().StringVar(&opts.Model, "model", "", "filter by model")
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "filter by outcome (allowed, denied, upstream_failed)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "filter by denial reason code")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max decisions to return")
	return cmd
}

func newAuditShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a single decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openAudit()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			ds, err := l.Query(cmd.Context(), models.DecisionQueryOpts{RequestID: args[0], Limit: 1})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ds) == 0 {
				fmt.Fprintln(out, "No decision found for that request ID.")
				return nil
			}

			d := ds[0]
			fmt.Fprintf(out, "Request ID:  %s\n", d.RequestID)
			fmt.Fprintf(out, "Session:     %s\n", d.SessionID)
			fmt.Fprintf(out, "Model:       %s\n", d.Model)
			fmt.Fprintf(out, "Outcome:     %s\n", d.Outcome)
			if d.Reason != "" {
				fmt.Fprintf(out, "Reason:      %s\n", d.Reason)
			}
			fmt.Fprintf(out, "Estimate:    %s\n", models.USD(d.EstimatedCost))
			if d.ActualCost != nil {
				fmt.Fprintf(out, "Actual:      %s\n", models.USD(*d.ActualCost))
			}
			if d.Remaining != nil {
				fmt.Fprintf(out, "Remaining:   %s\n", models.USD(*d.Remaining))
			}
			fmt.Fprintf(out, "Tokens:      %d input", d.InputTokens)
			if d.OutputTokens != nil {
				fmt.Fprintf(out, " / %d output", *d.OutputTokens)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Latency:     %s\n", d.Latency)
			fmt.Fprintf(out, "Time:        %s\n", d.CreatedAt.Format(time.RFC3339))
			if d.Error != "" {
				fmt.Fprintf(out, "\n--- Error ---\n%s\n", d.Error)
			}
			return nil
		},
	}
}

func newAuditStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show decision counts and spend by model, outcome and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openAudit()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			writeDecisionStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func newAuditCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete decisions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openAudit()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			deleted, err := l.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d decisions.\n", deleted)
			return nil
		},
	}
}

func (a *app) openAudit() (*audit.Logger, error) {
	l, err := audit.New(a.cfg.Audit, a.log)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, nil
}

func writeDecisions(w io.Writer, ds []models.Decision) {
	if len(ds) == 0 {
		fmt.Fprintln(w, "No decisions found.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-20s %-18s %-16s %10s %10s %-20s\n",
		"REQUEST ID", "SESSION", "MODEL", "OUTCOME", "ESTIMATE", "ACTUAL", "TIME")
	b.WriteString(strings.Repeat("-", 136) + "\n")
	for _, d := range ds {
		actual := "-"
		if d.ActualCost != nil {
			actual = models.USD(*d.ActualCost).String()
		}
		fmt.Fprintf(&b, "%-36s %-20s %-18s %-16s %10s %10s %-20s\n",
			d.RequestID, d.SessionID, d.Model, d.Outcome,
			models.USD(d.EstimatedCost), actual,
			d.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprint(w, b.String())
}

func writeDecisionStats(w io.Writer, stats []models.DecisionStat) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No decision stats found.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-16s %-12s %8s %12s\n", "MODEL", "OUTCOME", "DAY", "COUNT", "SPENT")
	b.WriteString(strings.Repeat("-", 77) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-25s %-16s %-12s %8d %12s\n", s.Model, s.Outcome, s.Day, s.Count, models.USD(s.Spent))
	}
	fmt.Fprint(w, b.String())
}
