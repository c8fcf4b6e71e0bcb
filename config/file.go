package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile reads a key = value config file (# starts a comment). A missing
// file yields an empty map.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}
	return values, scanner.Err()
}

// ApplyFileConfig applies file values to cfg.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := Set(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// Set assigns one setting by its config-file key. Unknown keys are ignored.
func Set(cfg *Config, key, value string) error {
	switch key {
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	case "node.url":
		cfg.Node.URL = value
	case "node.proxy":
		cfg.Node.Proxy = value
	case "node.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Node.Timeout = d

	case "arena.max_handles":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Arena.MaxHandles = n

	case "wallet.gap":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Wallet.GapLimit = uint32(n)

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Load builds the configuration for network: defaults, then the config
// file at path (or the default location when path is empty).
func Load(network NetworkType, path string) (*Config, error) {
	cfg := Default(network)
	if path == "" {
		path = cfg.ConfigFile()
	}
	values, err := LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		return nil, err
	}
	// A network set in the file selects that network's defaults.
	if cfg.Network != network && cfg.Network.Valid() {
		next := Default(cfg.Network)
		if err := ApplyFileConfig(next, values); err != nil {
			return nil, err
		}
		cfg = next
	}
	return cfg, nil
}

// WriteDefaultConfig writes a commented default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingnet Bridge Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory; wallet databases default to <datadir>/<network>/wallets
# datadir = ` + d.DataDir + `

# Node used by wallets that do not name one
node.url = ` + d.Node.URL + `
# node.proxy = http://127.0.0.1:8080
node.timeout = ` + d.Node.Timeout.String() + `

# Maximum live wallet handles (0 = unlimited)
arena.max_handles = 0

# Unused addresses scanned past the last used one
wallet.gap = ` + strconv.Itoa(DefaultGapLimit) + `

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
