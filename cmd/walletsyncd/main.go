// Package main provides walletsyncd, the wallet sync daemon.
package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/config"
	"github.com/Klingon-tech/walletsync/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Global flags.
var (
	dataDir  string
	testnet  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "walletsyncd",
	Short:         "Wallet liveness polling and Ledger signing daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetDefault(logging.New(&logging.Config{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "~/.walletsync", "Data directory")
	rootCmd.PersistentFlags().BoolVar(&testnet, "testnet", false, "Run on testnet (separate data)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.GetDefault().Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// effectiveDataDir returns the data directory, with testnet data kept in a
// subdirectory.
func effectiveDataDir() string {
	dir := config.ExpandPath(dataDir)
	if testnet {
		dir = filepath.Join(dir, "testnet")
	}
	return dir
}

// loadConfig loads the config of the effective data directory and applies
// the command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir := effectiveDataDir()
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	cfg.Storage.DataDir = dir
	if testnet {
		cfg.Network = chain.Testnet
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}
