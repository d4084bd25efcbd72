// Package app assembles the broker: storage, oracles, admission, the
// monitor pipeline and the API server, under one lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/utxodutch/dutchd/config"
	"github.com/utxodutch/dutchd/internal/admission"
	"github.com/utxodutch/dutchd/internal/api"
	"github.com/utxodutch/dutchd/internal/bitcoin"
	"github.com/utxodutch/dutchd/internal/counterparty"
	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/log"
	"github.com/utxodutch/dutchd/internal/monitor"
	"github.com/utxodutch/dutchd/internal/storage"
)

// App is a fully-initialized broker.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db    *storage.BadgerDB
	store *listing.Store

	// Oracles
	btc *bitcoin.Client
	cp  *counterparty.Client

	// Pipeline
	admitter *admission.Admitter
	mon      *monitor.Monitor
	zmq      *bitcoin.ZMQListener

	// API
	api *api.Server
}

// New creates and initializes the broker. It opens every resource but
// starts no background work; call Start for that.
func New(cfg *config.Config) (*App, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := log.App

	logger.Info().
		Str("version", config.Version).
		Str("bitcoin", cfg.Bitcoin.URL()).
		Str("counterparty", cfg.Counterparty.URL()).
		Bool("zmq", cfg.ZMQ.Enabled).
		Msg("Starting dutchd")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	store := listing.NewStore(db)
	logger.Info().Str("path", cfg.DatabasePath).Msg("Database opened")

	// ── 3. Oracles ──────────────────────────────────────────────────
	btc := bitcoin.New(cfg.Bitcoin.URL(), cfg.Bitcoin.User, cfg.Bitcoin.Password)
	cp := counterparty.New(cfg.Counterparty.URL())

	// Probe the node once. An unreachable node is worth a loud warning
	// but not an abort: the monitor retries every tick and the API
	// reports the outage through /health.
	probeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	tip, err := btc.Tip(probeCtx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Bitcoin node unreachable at startup, continuing")
	} else {
		logger.Info().Uint64("tip", tip).Msg("Bitcoin node reachable")
	}

	// ── 4. Admission pipeline ───────────────────────────────────────
	admitter := admission.New(store, btc, cp)

	// ── 5. Monitor ──────────────────────────────────────────────────
	mon := monitor.New(store, btc, cfg.Poll.BlockInterval(), cfg.Poll.UTXOInterval())

	// ── 6. ZMQ push feed ────────────────────────────────────────────
	var zmq *bitcoin.ZMQListener
	if cfg.ZMQ.Enabled {
		zmq = bitcoin.NewZMQListener(cfg.ZMQ.BlockURL, cfg.ZMQ.TxURL)
		mon.SetFeed(zmq)
	}

	// ── 7. API server ───────────────────────────────────────────────
	if cfg.APIKey == "" {
		logger.Warn().Msg("No API key configured, listing submissions disabled")
	}
	srv := api.New(cfg.Listen.Addr(), store, btc, admitter, cfg.APIKey, cfg.CORSOrigins)

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store,
		btc:      btc,
		cp:       cp,
		admitter: admitter,
		mon:      mon,
		zmq:      zmq,
		api:      srv,
	}, nil
}

// Start launches the API server, the push feed and the monitor loops.
// On failure the caller is expected to Stop the app.
func (a *App) Start() error {
	if err := a.api.Start(); err != nil {
		return err
	}
	if a.zmq != nil {
		a.zmq.Start()
	}
	a.mon.Start()

	a.logger.Info().Str("addr", a.api.Addr()).Msg("dutchd running")
	return nil
}

// Stop shuts the broker down: API first so no new submissions land, then
// the event pipeline, then storage.
func (a *App) Stop() {
	if err := a.api.Stop(); err != nil {
		a.logger.Error().Err(err).Msg("API shutdown failed")
	}
	if a.zmq != nil {
		a.zmq.Stop()
	}
	a.mon.Stop()

	if err := a.db.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Database close failed")
	}
	a.logger.Info().Msg("dutchd stopped")
}

// Store exposes the listing store for embedding binaries.
func (a *App) Store() *listing.Store { return a.store }
