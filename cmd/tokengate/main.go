package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tokengate/tokengate/pkg/config"
)

var version = "dev"

// app carries the loaded configuration and logger to every subcommand.
type app struct {
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tokengate",
		Short:         "TokenGate: budget and anomaly gate in front of an LLM API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file (optional)")

	root.AddCommand(
		newServeCmd(a),
		newBudgetCmd(a),
		newFreezeCmd(a),
		newUnfreezeCmd(a),
		newAnomalyStatsCmd(a),
		newStatsCmd(a),
		newHealthCmd(a),
		newPricingCmd(a),
		newAuditCmd(a),
		newMCPCmd(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.log = newLogger(cfg.Log)
	return nil
}

// newLogger writes to stderr so that stdout stays free for command output
// and the MCP transport.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stderr)
	if cfg.Format == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return out.Level(level).With().Timestamp().Str("service", "tokengate").Logger()
}
