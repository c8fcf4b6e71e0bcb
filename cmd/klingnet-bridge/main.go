// klingnet-bridge runs bridge requests from the command line: one-shot
// with "call", or line by line with "repl" the way a host process would.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Klingon-tech/klingnet-bridge/config"
	"github.com/Klingon-tech/klingnet-bridge/internal/bridge"
	klog "github.com/Klingon-tech/klingnet-bridge/internal/log"
)

const envPrefix = "KBRIDGE"

// overrides maps flag names to config-file keys.
var overrides = map[string]string{
	"datadir":     "datadir",
	"node":        "node.url",
	"proxy":       "node.proxy",
	"log-level":   "log.level",
	"log-json":    "log.json",
	"max-wallets": "arena.max_handles",
}

var rootCmd = &cobra.Command{
	Use:           "klingnet-bridge",
	Short:         "Klingnet wallet bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", flagInfo("config file (default <datadir>/bridge.conf)", "config"))
	flags.String("network", string(config.Mainnet), flagInfo("network: mainnet or testnet", "network"))
	flags.String("datadir", "", flagInfo("data directory", "datadir"))
	flags.String("node", "", flagInfo("node JSON-RPC URL", "node"))
	flags.String("proxy", "", flagInfo("HTTP proxy for node requests", "proxy"))
	flags.String("log-level", "", flagInfo("log level: debug, info, warn, error, off", "log-level"))
	flags.Bool("log-json", false, flagInfo("log as JSON", "log-json"))
	flags.Int("max-wallets", 0, flagInfo("maximum open wallets (0 = unlimited)", "max-wallets"))

	if err := bindFlags(flags); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(callCmd, replCmd, keysCmd, configCmd)
}

// bindFlags binds every flag to viper and to its KBRIDGE_* variable.
func bindFlags(flags *pflag.FlagSet) error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if err = viper.BindPFlag(f.Name, f); err != nil {
			return
		}
		err = viper.BindEnv(f.Name, envName(f.Name))
	})
	return err
}

func envName(flag string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func flagInfo(info, flag string) string {
	return info + ", " + envName(flag)
}

// loadConfig builds the configuration: network defaults, the config file,
// then flags and environment.
func loadConfig() (*config.Config, error) {
	network := config.NetworkType(viper.GetString("network"))
	if !network.Valid() {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	path := viper.GetString("config")
	if path == "" && viper.IsSet("datadir") {
		path = (&config.Config{DataDir: viper.GetString("datadir")}).ConfigFile()
	}
	cfg, err := config.Load(network, path)
	if err != nil {
		return nil, err
	}
	// An explicit --network wins over the file.
	if viper.IsSet("network") && cfg.Network != network {
		cfg.Network = network
	}
	for flag, key := range overrides {
		if !viper.IsSet(flag) {
			continue
		}
		if err := config.Set(cfg, key, viper.GetString(flag)); err != nil {
			return nil, fmt.Errorf("--%s: %w", flag, err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

// openBridge loads the configuration and starts a bridge.
func openBridge() (*bridge.Bridge, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return bridge.New(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
