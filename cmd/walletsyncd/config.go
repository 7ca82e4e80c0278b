package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/walletsync/internal/chain"
	"github.com/Klingon-tech/walletsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the daemon config file",
}

var forceInit bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ConfigPath(effectiveDataDir())
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
		cfg := config.DefaultConfig()
		cfg.Storage.DataDir = effectiveDataDir()
		if testnet {
			cfg.Network = chain.Testnet
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
}
