package main

import (
	"fmt"
	"os"

	"github.com/quantarax/e2ee/internal/audit"
	"github.com/quantarax/e2ee/internal/config"
	"github.com/quantarax/e2ee/internal/observability"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "e2eectl",
	Short: "Operate the end-to-end encrypted session channel",
	Long: `e2eectl runs the channel self-test, manages device certificates and
serves channel metrics and health.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (defaults if empty)")

	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs.
type env struct {
	cfg    *config.Config
	logger *observability.Logger
	audit  audit.Sink
}

func loadEnv() (*env, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Observability.ServiceName, version, os.Stderr).SetLevel(cfg.Log.Level)
	return &env{
		cfg:    cfg,
		logger: logger,
		audit:  audit.NewLogSinkFrom(logger.Zerolog()),
	}, nil
}
