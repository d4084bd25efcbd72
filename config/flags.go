package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigFile is the config file consulted when --config is not
// given. A missing file is fine; defaults and environment apply.
const DefaultConfigFile = "dutchd.conf"

// Version is the daemon version string.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help       bool
	Version    bool
	InitConfig bool

	// Core
	Config string
	APIKey string

	// Bitcoin RPC
	BitcoinHost     string
	BitcoinPort     int
	BitcoinUser     string
	BitcoinPassword string

	// ZMQ
	ZMQ         bool
	ZMQBlockURL string
	ZMQTxURL    string

	// Counterparty
	CounterpartyHost string
	CounterpartyPort int
	CounterpartyTLS  bool

	// Storage
	DatabasePath string

	// Polling
	BlockPollSeconds int
	UTXOPollSeconds  int

	// API server
	ListenHost  string
	ListenPort  int
	CORSOrigins string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetZMQ             bool
	SetCounterpartyTLS bool
	SetLogJSON         bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("dutchd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.InitConfig, "init-config", false, "Write a default config file and exit")

	// Core
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.APIKey, "api-key", "", "API key required for listing submissions")

	// Bitcoin RPC
	fs.StringVar(&f.BitcoinHost, "bitcoin-host", "", "Bitcoin Core RPC host")
	fs.IntVar(&f.BitcoinPort, "bitcoin-port", 0, "Bitcoin Core RPC port")
	fs.StringVar(&f.BitcoinUser, "bitcoin-user", "", "Bitcoin Core RPC username")
	fs.StringVar(&f.BitcoinPassword, "bitcoin-password", "", "Bitcoin Core RPC password")

	// ZMQ
	fs.BoolVar(&f.ZMQ, "zmq", true, "Enable ZMQ push notifications")
	fs.StringVar(&f.ZMQBlockURL, "zmq-block-url", "", "bitcoind rawblock publish endpoint")
	fs.StringVar(&f.ZMQTxURL, "zmq-tx-url", "", "bitcoind rawtx publish endpoint")

	// Counterparty
	fs.StringVar(&f.CounterpartyHost, "counterparty-host", "", "Counterparty Core API host")
	fs.IntVar(&f.CounterpartyPort, "counterparty-port", 0, "Counterparty Core API port")
	fs.BoolVar(&f.CounterpartyTLS, "counterparty-tls", true, "Use HTTPS for the Counterparty API")

	// Storage
	fs.StringVar(&f.DatabasePath, "db", "", "Listing database directory")

	// Polling
	fs.IntVar(&f.BlockPollSeconds, "block-poll", 0, "Block sweep interval in seconds")
	fs.IntVar(&f.UTXOPollSeconds, "utxo-poll", 0, "Spend sweep interval in seconds")

	// API server
	fs.StringVar(&f.ListenHost, "listen-host", "", "API listen address")
	fs.IntVar(&f.ListenPort, "listen-port", 0, "API listen port")
	fs.StringVar(&f.CORSOrigins, "cors", "", "Allowed CORS origins (comma-separated)")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	f.SetZMQ = isFlagSet(fs, "zmq")
	f.SetCounterpartyTLS = isFlagSet(fs, "counterparty-tls")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()
	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.APIKey != "" {
		cfg.APIKey = f.APIKey
	}

	// Bitcoin RPC
	if f.BitcoinHost != "" {
		cfg.Bitcoin.Host = f.BitcoinHost
	}
	if f.BitcoinPort != 0 {
		cfg.Bitcoin.Port = f.BitcoinPort
	}
	if f.BitcoinUser != "" {
		cfg.Bitcoin.User = f.BitcoinUser
	}
	if f.BitcoinPassword != "" {
		cfg.Bitcoin.Password = f.BitcoinPassword
	}

	// ZMQ
	if f.SetZMQ {
		cfg.ZMQ.Enabled = f.ZMQ
	}
	if f.ZMQBlockURL != "" {
		cfg.ZMQ.BlockURL = f.ZMQBlockURL
	}
	if f.ZMQTxURL != "" {
		cfg.ZMQ.TxURL = f.ZMQTxURL
	}

	// Counterparty
	if f.CounterpartyHost != "" {
		cfg.Counterparty.Host = f.CounterpartyHost
	}
	if f.CounterpartyPort != 0 {
		cfg.Counterparty.Port = f.CounterpartyPort
	}
	if f.SetCounterpartyTLS {
		cfg.Counterparty.TLS = f.CounterpartyTLS
	}

	// Storage
	if f.DatabasePath != "" {
		cfg.DatabasePath = f.DatabasePath
	}

	// Polling
	if f.BlockPollSeconds != 0 {
		cfg.Poll.BlockIntervalSeconds = f.BlockPollSeconds
	}
	if f.UTXOPollSeconds != 0 {
		cfg.Poll.UTXOIntervalSeconds = f.UTXOPollSeconds
	}

	// API server
	if f.ListenHost != "" {
		cfg.Listen.Host = f.ListenHost
	}
	if f.ListenPort != 0 {
		cfg.Listen.Port = f.ListenPort
	}
	if f.CORSOrigins != "" {
		cfg.CORSOrigins = parseStringList(f.CORSOrigins)
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `dutchd - Dutch auction broker for UTXO-attached Counterparty assets

Usage:
  dutchd [options]
  dutchd --help

Commands:
  --help, -h      Show this help message
  --version       Show version information
  --init-config   Write a default config file and exit

Core Options:
  --config, -c    Config file path (default: ./dutchd.conf)
  --api-key       API key required for listing submissions

Bitcoin Core Options:
  --bitcoin-host      RPC host (default: 127.0.0.1)
  --bitcoin-port      RPC port (default: 8332)
  --bitcoin-user      RPC username
  --bitcoin-password  RPC password
  --zmq               Enable ZMQ push notifications (default: true)
  --zmq-block-url     rawblock publish endpoint (default: tcp://127.0.0.1:9333)
  --zmq-tx-url        rawtx publish endpoint (default: tcp://127.0.0.1:9332)

Counterparty Options:
  --counterparty-host  API host (default: api.counterparty.io)
  --counterparty-port  API port (default: 4000)
  --counterparty-tls   Use HTTPS (default: true)

Storage Options:
  --db            Listing database directory (default: ./data/listings)

Polling Options:
  --block-poll    Block sweep interval in seconds (default: 300)
  --utxo-poll     Spend sweep interval in seconds (default: 300)

API Server Options:
  --listen-host   Listen address (default: 127.0.0.1)
  --listen-port   Listen port (default: 8080)
  --cors          Allowed CORS origins (comma-separated, "*" for all)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Environment:
  Every config key can be set through the environment in upper snake
  case (BITCOIN_RPC_HOST, API_KEY, ...). A .env file in the working
  directory is loaded if present.

Examples:
  # Local bitcoind and Counterparty node
  dutchd --bitcoin-user=rpc --bitcoin-password=secret \
         --counterparty-host=127.0.0.1 --counterparty-tls=false

  # Poll-only, no ZMQ
  dutchd --zmq=false --block-poll=60 --utxo-poll=60
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Environment (.env file, then process environment)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("dutchd version " + Version)
		os.Exit(0)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = DefaultConfigFile
	}

	if flags.InitConfig {
		if err := WriteDefaultConfig(configPath); err != nil {
			return nil, nil, fmt.Errorf("writing config file: %w", err)
		}
		fmt.Println("wrote " + configPath)
		os.Exit(0)
	}

	cfg := Default()

	if err := ApplyEnv(cfg); err != nil {
		return nil, nil, err
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyValues(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)

	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	return cfg, flags, nil
}
