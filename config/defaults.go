package config

import "time"

// DefaultGapLimit is how many unused addresses past the last used one a
// sync scans on each chain.
const DefaultGapLimit = 20

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Node: NodeConfig{
			URL:     "http://127.0.0.1:8545",
			Timeout: 10 * time.Second,
		},
		Wallet: WalletConfig{
			GapLimit: DefaultGapLimit,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Node.URL = "http://127.0.0.1:8645"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
