package main

import (
	"StakeLedger/internal/config"
	"StakeLedger/internal/observability"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "stakeledger",
		Short:         "Multi-pool staking and reward accounting ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./stakeledger.yaml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Recover state and serve commands and queries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(observability.ParseLogLevel(cfg.LogLevel))
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(serve.Flags())

	root.AddCommand(serve)
	return root
}
