package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	tests := []struct {
		network NetworkType
		url     string
		hrp     string
	}{
		{Mainnet, "http://127.0.0.1:8545", "kgx"},
		{Testnet, "http://127.0.0.1:8645", "tkgx"},
	}
	for _, tt := range tests {
		t.Run(string(tt.network), func(t *testing.T) {
			cfg := Default(tt.network)
			if cfg.Network != tt.network || cfg.Node.URL != tt.url {
				t.Fatalf("Default(%s) = %s %s", tt.network, cfg.Network, cfg.Node.URL)
			}
			if cfg.Network.HRP() != tt.hrp {
				t.Fatalf("HRP = %s, want %s", cfg.Network.HRP(), tt.hrp)
			}
			if err := Validate(cfg); err != nil {
				t.Fatalf("Validate(default): %v", err)
			}
		})
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.conf")
	content := `# comment
network = testnet
node.url = "http://node.example:8645"
node.timeout = 3s
arena.max_handles = 16
wallet.gap = 5
log.json = yes
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Mainnet, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != Testnet {
		t.Errorf("Network = %s, want testnet", cfg.Network)
	}
	if cfg.Node.URL != "http://node.example:8645" {
		t.Errorf("Node.URL = %s", cfg.Node.URL)
	}
	if cfg.Node.Timeout != 3*time.Second || cfg.Arena.MaxHandles != 16 || cfg.Wallet.GapLimit != 5 || !cfg.Log.JSON {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(Testnet, filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != Testnet {
		t.Fatalf("Network = %s", cfg.Network)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	os.WriteFile(path, []byte("no equals sign\n"), 0644)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile accepted a line without '='")
	}
}

func TestWriteDefaultConfig_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.conf")
	if err := WriteDefaultConfig(path, Testnet); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(Mainnet, path)
	if err != nil {
		t.Fatalf("Load(written default): %v", err)
	}
	if cfg.Network != Testnet || cfg.Node.URL != "http://127.0.0.1:8645" {
		t.Fatalf("written default loaded as %s %s", cfg.Network, cfg.Node.URL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"bad network", func(c *Config) { c.Network = "regtest" }},
		{"bad url scheme", func(c *Config) { c.Node.URL = "ftp://x" }},
		{"url without host", func(c *Config) { c.Node.URL = "http://" }},
		{"bad proxy", func(c *Config) { c.Node.Proxy = "socks" }},
		{"negative timeout", func(c *Config) { c.Node.Timeout = -1 }},
		{"negative handles", func(c *Config) { c.Arena.MaxHandles = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mut(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("Validate should fail")
			}
		})
	}

	cfg := DefaultMainnet()
	cfg.Wallet.GapLimit = 0
	Validate(cfg)
	if cfg.Wallet.GapLimit != DefaultGapLimit {
		t.Fatalf("GapLimit not defaulted: %d", cfg.Wallet.GapLimit)
	}
}
