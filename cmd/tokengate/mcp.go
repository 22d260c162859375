package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/mcp"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve session administration over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			var decisions mcp.DecisionQuerier
			if a.cfg.Audit.Enabled {
				l, err := a.openAudit()
				if err != nil {
					return err
				}
				defer func() { _ = l.Close() }()
				decisions = l
			}

			return mcp.New(st.svc, decisions, version, a.log).Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
