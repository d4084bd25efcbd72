// Package config handles broker configuration.
//
// Settings layer in order of precedence: built-in defaults, then
// environment variables (a .env file is loaded first when present), then
// the key=value config file, then command-line flags.
package config

import (
	"fmt"
	"time"
)

// Config holds the broker's runtime configuration.
type Config struct {
	// APIKey authorizes listing submissions. Empty disables POST
	// /listings entirely; every submission is rejected with 401.
	APIKey string

	// Bitcoin Core JSON-RPC connection.
	Bitcoin BitcoinConfig

	// ZMQ push notifications from bitcoind.
	ZMQ ZMQConfig

	// Counterparty Core API connection.
	Counterparty CounterpartyConfig

	// DatabasePath is the badger directory for listing state.
	DatabasePath string

	// Poll intervals for the fallback sweeps.
	Poll PollConfig

	// Listen is the API server bind address.
	Listen ListenConfig

	// CORSOrigins are the allowed CORS origins ("*" = all). Empty
	// disables CORS headers.
	CORSOrigins []string

	// Log holds logging settings.
	Log LogConfig
}

// BitcoinConfig holds the bitcoind RPC settings.
type BitcoinConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// URL returns the JSON-RPC endpoint.
func (b BitcoinConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

// ZMQConfig holds the bitcoind ZMQ subscription settings. Disabled, the
// broker runs poll-only.
type ZMQConfig struct {
	Enabled  bool
	BlockURL string
	TxURL    string
}

// CounterpartyConfig holds the Counterparty Core API settings.
type CounterpartyConfig struct {
	Host string
	Port int
	TLS  bool
}

// URL returns the API base URL.
func (c CounterpartyConfig) URL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// PollConfig holds the sweep intervals, in seconds.
type PollConfig struct {
	BlockIntervalSeconds int
	UTXOIntervalSeconds  int
}

// BlockInterval returns the block sweep period.
func (p PollConfig) BlockInterval() time.Duration {
	return time.Duration(p.BlockIntervalSeconds) * time.Second
}

// UTXOInterval returns the spend sweep period.
func (p PollConfig) UTXOInterval() time.Duration {
	return time.Duration(p.UTXOIntervalSeconds) * time.Second
}

// ListenConfig holds the API server bind settings.
type ListenConfig struct {
	Host string
	Port int
}

// Addr returns the host:port bind address.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
	JSON  bool
}
