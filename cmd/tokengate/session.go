package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/manage"
)

func newFreezeCmd(a *app) *cobra.Command {
	var (
		reason     string
		duration   time.Duration
		indefinite bool
	)
	cmd := &cobra.Command{
		Use:   "freeze <session-id>",
		Short: "Block a session from admitting requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration < 0 {
				return fmt.Errorf("duration must not be negative")
			}
			if indefinite {
				if cmd.Flags().Changed("duration") {
					return fmt.Errorf("--duration and --indefinite are mutually exclusive")
				}
				duration = manage.Indefinite
			}
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			applied, err := st.svc.Freeze(cmd.Context(), args[0], reason, duration)
			if err != nil {
				return err
			}
			if applied == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s frozen until unfrozen\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s frozen for %s\n", args[0], applied)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to callers")
	cmd.Flags().DurationVar(&duration, "duration", 0, "freeze duration (default: anomaly.freeze_duration)")
	cmd.Flags().BoolVar(&indefinite, "indefinite", false, "freeze until explicitly unfrozen")
	return cmd
}

func newUnfreezeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unfreeze <session-id>",
		Short: "Reopen a frozen session and clear its anomaly window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			changed, err := st.svc.Unfreeze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s was not frozen\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s unfrozen\n", args[0])
			return nil
		},
	}
}

func newAnomalyStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "anomaly-stats <session-id>",
		Short: "Show a session's anomaly window counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.svc.AnomalyStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s\n", args[0])
			fmt.Fprintf(out, "  Requests:  %d / %d per %.0fs\n", s.RequestsInWindow, s.MaxRequests, s.RateWindowSeconds)
			fmt.Fprintf(out, "  Identical: %d / %d consecutive\n", s.IdenticalRun, s.LoopThreshold)
			fmt.Fprintf(out, "  Spend:     $%.4f / $%.4f per %.0fs\n", s.SpendInWindow, s.VelocityThreshold, s.VelocityWindowSeconds)
			return nil
		},
	}
}
