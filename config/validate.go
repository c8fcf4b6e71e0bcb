package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !cfg.Network.Valid() {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Node.URL != "" {
		if err := validateURL(cfg.Node.URL); err != nil {
			return fmt.Errorf("node.url: %w", err)
		}
	}
	if cfg.Node.Proxy != "" {
		if err := validateURL(cfg.Node.Proxy); err != nil {
			return fmt.Errorf("node.proxy: %w", err)
		}
	}
	if cfg.Node.Timeout < 0 {
		return fmt.Errorf("node.timeout must not be negative")
	}
	if cfg.Arena.MaxHandles < 0 {
		return fmt.Errorf("arena.max_handles must not be negative")
	}
	if cfg.Wallet.GapLimit == 0 {
		cfg.Wallet.GapLimit = DefaultGapLimit
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
