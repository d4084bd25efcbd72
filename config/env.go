package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// envKeys are the config keys settable from the environment. The variable
// name is the key in upper snake case: api_key → API_KEY.
var envKeys = []string{
	"api_key",
	"bitcoin_rpc_host",
	"bitcoin_rpc_port",
	"bitcoin_rpc_user",
	"bitcoin_rpc_password",
	"zmq_enabled",
	"zmq_block_url",
	"zmq_tx_url",
	"counterparty_host",
	"counterparty_port",
	"counterparty_tls",
	"database_path",
	"block_poll_interval_seconds",
	"utxo_poll_interval_seconds",
	"listen_host",
	"listen_port",
	"cors_origins",
	"log_level",
	"log_file",
	"log_json",
}

// ApplyEnv overlays environment variables onto cfg. A .env file in the
// working directory is loaded first without clobbering variables already
// set in the process environment.
func ApplyEnv(cfg *Config) error {
	// godotenv.Load never overwrites existing env vars, which is the
	// precedence we want: real environment beats .env file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	for _, key := range envKeys {
		v, ok := os.LookupEnv(strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := setConfigValue(cfg, key, v); err != nil {
			return fmt.Errorf("env %s: %w", strings.ToUpper(key), err)
		}
	}
	return nil
}
