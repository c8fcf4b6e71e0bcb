package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Klingon-tech/klingnet-bridge/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the bridge config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		network := config.NetworkType(viper.GetString("network"))
		if !network.Valid() {
			return fmt.Errorf("unknown network %q", network)
		}
		path := viper.GetString("config")
		if path == "" {
			cfg := config.Default(network)
			if dir := viper.GetString("datadir"); dir != "" {
				cfg.DataDir = dir
			}
			path = cfg.ConfigFile()
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s exists (use --force to overwrite)", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		if err := config.WriteDefaultConfig(path, network); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}
