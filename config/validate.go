package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the assembled config for operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validatePort("bitcoin_rpc_port", cfg.Bitcoin.Port); err != nil {
		return err
	}
	if err := validatePort("counterparty_port", cfg.Counterparty.Port); err != nil {
		return err
	}
	if err := validatePort("listen_port", cfg.Listen.Port); err != nil {
		return err
	}

	if cfg.ZMQ.Enabled {
		if err := validateZMQURL("zmq_block_url", cfg.ZMQ.BlockURL); err != nil {
			return err
		}
		if err := validateZMQURL("zmq_tx_url", cfg.ZMQ.TxURL); err != nil {
			return err
		}
	}

	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return fmt.Errorf("database_path must not be empty")
	}

	if cfg.Poll.BlockIntervalSeconds <= 0 {
		return fmt.Errorf("block_poll_interval_seconds must be positive")
	}
	if cfg.Poll.UTXOIntervalSeconds <= 0 {
		return fmt.Errorf("utxo_poll_interval_seconds must be positive")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be in range [1, 65535], got %d", field, port)
	}
	return nil
}

// validateZMQURL checks for the tcp://host:port shape bitcoind publishes
// on.
func validateZMQURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "tcp" {
		return fmt.Errorf("%s must use the tcp:// scheme, got %q", field, raw)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return fmt.Errorf("%s must be tcp://host:port, got %q", field, raw)
	}
	return nil
}
