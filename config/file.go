package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments). A missing file is
// not an error; it yields an empty map.
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

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
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

// ApplyValues applies key=value settings to a Config struct.
func ApplyValues(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key. Unknown keys are ignored so
// a shared .conf can carry settings for sibling tools.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "api_key":
		cfg.APIKey = value

	// Bitcoin RPC
	case "bitcoin_rpc_host":
		cfg.Bitcoin.Host = value
	case "bitcoin_rpc_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Bitcoin.Port = port
	case "bitcoin_rpc_user":
		cfg.Bitcoin.User = value
	case "bitcoin_rpc_password":
		cfg.Bitcoin.Password = value

	// ZMQ
	case "zmq_enabled":
		cfg.ZMQ.Enabled = parseBool(value)
	case "zmq_block_url":
		cfg.ZMQ.BlockURL = value
	case "zmq_tx_url":
		cfg.ZMQ.TxURL = value

	// Counterparty
	case "counterparty_host":
		cfg.Counterparty.Host = value
	case "counterparty_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Counterparty.Port = port
	case "counterparty_tls":
		cfg.Counterparty.TLS = parseBool(value)

	// Storage
	case "database_path":
		cfg.DatabasePath = value

	// Polling
	case "block_poll_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Poll.BlockIntervalSeconds = n
	case "utxo_poll_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Poll.UTXOIntervalSeconds = n

	// API server
	case "listen_host":
		cfg.Listen.Host = value
	case "listen_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Listen.Port = port
	case "cors_origins":
		cfg.CORSOrigins = parseStringList(value)

	// Logging
	case "log_level":
		cfg.Log.Level = value
	case "log_file":
		cfg.Log.File = value
	case "log_json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a commented default configuration file.
func WriteDefaultConfig(path string) error {
	content := `# dutchd configuration
#
# Every key can also be set through the environment (upper snake case,
# e.g. BITCOIN_RPC_HOST) or overridden with command-line flags.

# API key required for listing submissions. Leave empty to disable
# submissions entirely.
# api_key =

# ============================================================================
# Bitcoin Core
# ============================================================================

bitcoin_rpc_host = 127.0.0.1
bitcoin_rpc_port = 8332
# bitcoin_rpc_user =
# bitcoin_rpc_password =

# ZMQ push notifications (zmqpubrawblock / zmqpubrawtx in bitcoin.conf).
# Disable to run on polling alone.
zmq_enabled = true
zmq_block_url = tcp://127.0.0.1:9333
zmq_tx_url = tcp://127.0.0.1:9332

# ============================================================================
# Counterparty Core
# ============================================================================

counterparty_host = api.counterparty.io
counterparty_port = 4000
counterparty_tls = true

# ============================================================================
# Storage
# ============================================================================

database_path = ./data/listings

# ============================================================================
# Polling fallback (seconds)
# ============================================================================

block_poll_interval_seconds = 300
utxo_poll_interval_seconds = 300

# ============================================================================
# API server
# ============================================================================

listen_host = 127.0.0.1
listen_port = 8080
# Allowed CORS origins, comma-separated ("*" for all)
# cors_origins = http://localhost:3000

# ============================================================================
# Logging
# ============================================================================

log_level = info
# log_file =
log_json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
