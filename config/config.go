// Package config handles bridge configuration.
//
// Settings come from defaults for the selected network, then a key = value
// config file, then command-line flags or environment variables.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Klingon-tech/klingnet-bridge/pkg/types"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// HRP returns the bech32 address prefix for the network.
func (n NetworkType) HRP() string {
	if n == Testnet {
		return types.TestnetHRP
	}
	return types.MainnetHRP
}

// Valid reports whether n is a known network.
func (n NetworkType) Valid() bool {
	return n == Mainnet || n == Testnet
}

// Config holds the bridge runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Default node used by wallets whose constructor names none.
	Node NodeConfig

	// Handle arena limits.
	Arena ArenaConfig

	Wallet WalletConfig

	Log LogConfig
}

// NodeConfig holds the Klingnet node RPC endpoint settings.
type NodeConfig struct {
	URL     string        `conf:"node.url"`
	Proxy   string        `conf:"node.proxy"`
	Timeout time.Duration `conf:"node.timeout"`
}

// ArenaConfig holds handle arena settings.
type ArenaConfig struct {
	MaxHandles int `conf:"arena.max_handles"` // 0 = unlimited
}

// WalletConfig holds wallet scanning settings.
type WalletConfig struct {
	GapLimit uint32 `conf:"wallet.gap"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-bridge
//	macOS:   ~/Library/Application Support/KlingnetBridge
//	Windows: %APPDATA%\KlingnetBridge
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-bridge"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetBridge")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingnetBridge")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetBridge")
	default:
		return filepath.Join(home, ".klingnet-bridge")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// WalletsDir returns the default wallet database directory.
func (c *Config) WalletsDir() string {
	return filepath.Join(c.NetworkDataDir(), "wallets")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "bridge.conf")
}
