package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/pricing"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show gateway-wide session and spend totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Sessions\t%d\n", s.TotalSessions)
			fmt.Fprintf(w, "Active\t%d\n", s.ActiveSessions)
			fmt.Fprintf(w, "Frozen\t%d\n", s.FrozenSessions)
			fmt.Fprintf(w, "Total budget\t%s\n", models.USD(s.TotalBudget))
			fmt.Fprintf(w, "Total spent\t%s\n", models.USD(s.TotalSpent))
			fmt.Fprintf(w, "Total remaining\t%s\n", models.USD(s.TotalRemaining))
			return w.Flush()
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the store is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.svc.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newPricingCmd(a *app) *cobra.Command {
	var (
		model  string
		input  int
		output int
	)
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Show the pricing table or estimate a request's cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := pricing.NewEstimator(a.cfg.Pricing, a.log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if model != "" {
				var expected *int
				if cmd.Flags().Changed("output") {
					expected = &output
				}
				cost, err := e.Estimate(model, input, expected)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s\n", model, models.USD(cost))
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROMPT/1K\tCOMPLETION/1K")
			for _, p := range e.Table() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Model,
					models.USD(p.PromptCost).Decimal().String(), models.USD(p.CompletionCost).Decimal().String())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "estimate for this model")
	cmd.Flags().IntVar(&input, "input", 0, "input tokens")
	cmd.Flags().IntVar(&output, "output", 0, "expected output tokens (default from config)")
	return cmd
}
