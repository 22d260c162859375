package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/models"
)

func newBudgetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and manage session budgets",
	}

	setCmd := &cobra.Command{
		Use:   "set <session-id> <amount>",
		Short: "Replace a session's budget (USD)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := models.ParseUSD(args[1])
			if err != nil {
				return err
			}
			if amount < 0 {
				return fmt.Errorf("budget must not be negative: %s", amount)
			}
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.svc.SetBudget(cmd.Context(), args[0], amount.Float()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s budget set to %s\n", args[0], amount)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := st.svc.Snapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !sum.Exists {
				return fmt.Errorf("session %s not found", args[0])
			}
			return printSessions(cmd, []models.SessionSummary{sum})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every known session",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.svc.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}
			return printSessions(cmd, list)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Zero a session's spend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.svc.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s reset\n", args[0])
			return nil
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <session-id>",
		Short: "Delete a session's ledger and anomaly state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.svc.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s purged\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(setCmd, getCmd, listCmd, resetCmd, purgeCmd)
	return cmd
}

func printSessions(cmd *cobra.Command, list []models.SessionSummary) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tBUDGET\tSPENT\tRESERVED\tREMAINING\tUSED\tREQ/WIN\tSTATE")
	for _, s := range list {
		state := "active"
		if s.IsFrozen {
			state = "frozen (" + s.FreezeReason + ")"
			if s.FreezeExpiresAt != nil {
				state += " until " + s.FreezeExpiresAt.Local().Format("15:04:05")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%d\t%s\n",
			s.SessionID,
			models.USD(s.Budget), models.USD(s.Spent), models.USD(s.Reserved), models.USD(s.Remaining),
			s.PercentageUsed, s.RequestsLastMinute, state)
	}
	return w.Flush()
}
