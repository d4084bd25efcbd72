// Dutch auction broker daemon.
//
// Usage:
//
//	dutchd [options]   Run the broker
//	dutchd --help      Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/utxodutch/dutchd/config"
	"github.com/utxodutch/dutchd/internal/app"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := a.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	a.Stop()
}
