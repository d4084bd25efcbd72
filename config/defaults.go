package config

// Default returns the built-in configuration: a local bitcoind on the
// standard mainnet ports and the public Counterparty API.
func Default() *Config {
	return &Config{
		APIKey: "",
		Bitcoin: BitcoinConfig{
			Host: "127.0.0.1",
			Port: 8332,
		},
		ZMQ: ZMQConfig{
			Enabled:  true,
			BlockURL: "tcp://127.0.0.1:9333",
			TxURL:    "tcp://127.0.0.1:9332",
		},
		Counterparty: CounterpartyConfig{
			Host: "api.counterparty.io",
			Port: 4000,
			TLS:  true,
		},
		DatabasePath: "./data/listings",
		Poll: PollConfig{
			BlockIntervalSeconds: 300,
			UTXOIntervalSeconds:  300,
		},
		Listen: ListenConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
