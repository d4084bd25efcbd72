// Package monitor runs the event pipeline that drives listing state
// transitions. Two redundant sources feed it: ZMQ push notifications
// from the node and periodic poll sweeps. Both converge on the same
// evaluation path, and the store's rejection of stale transitions makes
// duplicate delivery harmless, so the pipeline keeps no bookkeeping of
// what it has already handled.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/utxodutch/dutchd/internal/bitcoin"
	"github.com/utxodutch/dutchd/internal/engine"
	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/log"
	"github.com/utxodutch/dutchd/internal/metrics"
	"github.com/utxodutch/dutchd/internal/oracle"
)

// evalTimeout bounds the oracle work done for a single listing in one
// cycle. A listing that cannot be evaluated in this window is skipped
// until the next tick.
const evalTimeout = 2 * time.Minute

// Feed is the push-event source, satisfied by bitcoin.ZMQListener. A nil
// feed leaves the monitor poll-only.
type Feed interface {
	Blocks() <-chan bitcoin.BlockEvent
	Txs() <-chan bitcoin.TxEvent
}

// Monitor owns the poll tickers and push consumers. Start launches them,
// Stop cancels and waits; in-flight evaluations finish before Stop
// returns.
type Monitor struct {
	store *listing.Store
	chain oracle.Chain
	feed  Feed

	blockInterval time.Duration
	utxoInterval  time.Duration

	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor polling at the two given intervals.
func New(store *listing.Store, chain oracle.Chain, blockInterval, utxoInterval time.Duration) *Monitor {
	return &Monitor{
		store:         store,
		chain:         chain,
		blockInterval: blockInterval,
		utxoInterval:  utxoInterval,
		log:           log.Monitor,
	}
}

// SetFeed attaches a push-event source. Must be called before Start.
func (m *Monitor) SetFeed(feed Feed) {
	m.feed = feed
}

// Start runs one catch-up sweep of each kind, then launches the poll
// loops and, when a feed is attached, the push consumers.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	// Catch up immediately so a restart does not wait a full interval
	// before noticing transitions that happened while it was down.
	m.SweepBlocks(ctx)
	m.SweepSpends(ctx)

	m.wg.Add(2)
	go m.pollLoop(ctx, m.blockInterval, m.SweepBlocks)
	go m.pollLoop(ctx, m.utxoInterval, m.SweepSpends)

	if m.feed != nil {
		m.wg.Add(2)
		go m.consumeBlocks(ctx)
		go m.consumeTxs(ctx)
	}

	m.log.Info().
		Dur("block_interval", m.blockInterval).
		Dur("utxo_interval", m.utxoInterval).
		Bool("push", m.feed != nil).
		Msg("Monitor started")
}

// Stop terminates the loops and waits for them to drain.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.log.Info().Msg("Monitor stopped")
}

// pollLoop fires sweep on every tick until the context ends. Poll is the
// authoritative fallback: push may drop events silently, poll guarantees
// eventual progress.
func (m *Monitor) pollLoop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// consumeBlocks turns each rawblock notification into a full block
// sweep against the freshly re-derived tip.
func (m *Monitor) consumeBlocks(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.feed.Blocks():
			if !ok {
				return
			}
			m.log.Debug().Str("block", ev.Hash).Msg("New block notification")
			m.SweepBlocks(ctx)
		}
	}
}

// consumeTxs intersects each transaction's inputs with the watched UTXO
// set and evaluates only the listings that are actually affected.
func (m *Monitor) consumeTxs(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.feed.Txs():
			if !ok {
				return
			}
			m.handleTxEvent(ctx, ev)
		}
	}
}

// handleTxEvent reacts to a transaction that may spend a watched UTXO.
// The notification alone is not trusted: rawtx fires for unconfirmed
// transactions too, so the confirmed spend status is re-checked against
// the node before any transition.
func (m *Monitor) handleTxEvent(ctx context.Context, ev bitcoin.TxEvent) {
	for _, op := range ev.Inputs {
		l, err := m.store.WatchingUTXO(op)
		if err != nil {
			m.log.Error().Err(err).Str("utxo", op.String()).Msg("Watched-UTXO lookup failed")
			continue
		}
		if l == nil {
			continue
		}
		m.log.Info().
			Uint64("listing_id", l.ID).
			Str("utxo", op.String()).
			Str("txid", ev.TxID).
			Msg("Watched UTXO referenced by transaction")
		m.checkSpend(ctx, l)
	}
}

// SweepBlocks applies block-driven transitions to every non-terminal
// listing against the current tip. Oracle failures skip the sweep; the
// next tick retries.
func (m *Monitor) SweepBlocks(ctx context.Context) {
	metrics.SweepsTotal.WithLabelValues("blocks").Inc()

	callCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	tip, err := m.chain.Tip(callCtx)
	cancel()
	if err != nil {
		m.oracleError("tip", err)
		return
	}
	metrics.TipHeight.Set(float64(tip))

	open, err := m.store.NonTerminal()
	if err != nil {
		m.log.Error().Err(err).Msg("Non-terminal scan failed")
		return
	}
	for _, l := range open {
		if ctx.Err() != nil {
			return
		}
		m.checkBlocks(ctx, l, tip)
	}
	m.refreshGauges()
}

// checkBlocks applies the tip-driven transition for one listing. A
// listing about to move is first re-checked against the UTXO set: a
// confirmed spend outranks any block transition, so a spent listing is
// handed to the spend path instead. Without this check a block sweep
// could expire a listing whose buyer settled at the final step, and the
// terminal write would then block the sale from ever being recorded.
func (m *Monitor) checkBlocks(ctx context.Context, l *listing.Listing, tip uint64) {
	obs := engine.Observation{Tip: tip, At: time.Now().UTC()}
	d := engine.Step(l, nil, obs)
	if !d.Changed {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	spent, err := m.chain.IsSpent(callCtx, l.Outpoint())
	cancel()
	if err != nil {
		m.oracleError("is_spent", err)
		return
	}
	if spent {
		m.checkSpend(ctx, l)
		return
	}
	m.evaluate(l, obs)
}

// SweepSpends runs spend detection for every non-terminal listing.
func (m *Monitor) SweepSpends(ctx context.Context) {
	metrics.SweepsTotal.WithLabelValues("spends").Inc()

	open, err := m.store.NonTerminal()
	if err != nil {
		m.log.Error().Err(err).Msg("Non-terminal scan failed")
		return
	}
	for _, l := range open {
		if ctx.Err() != nil {
			return
		}
		m.checkSpend(ctx, l)
	}
}

// checkSpend asks the node whether the listing's UTXO is still in the
// confirmed UTXO set, and on a confirmed spend locates the spending
// transaction and runs the terminal transition.
func (m *Monitor) checkSpend(ctx context.Context, l *listing.Listing) {
	callCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	op := l.Outpoint()
	spent, err := m.chain.IsSpent(callCtx, op)
	if err != nil {
		m.oracleError("is_spent", err)
		return
	}
	if !spent {
		return
	}

	// Scan from the admission height: the UTXO was verified unspent
	// there, so the spender cannot sit in an earlier block.
	spend, err := m.chain.SpendingTx(callCtx, op, l.CreatedBlock)
	if errors.Is(err, oracle.ErrSpendNotFound) {
		// gettxout said spent but no confirmed spender was found. Either
		// the node is mid-reorg or the scan raced a new block; leave the
		// listing alone and let the next sweep settle it.
		m.log.Warn().
			Uint64("listing_id", l.ID).
			Str("utxo", op.String()).
			Msg("UTXO gone but spending transaction not located, retrying next sweep")
		return
	}
	if err != nil {
		m.oracleError("spending_tx", err)
		return
	}

	tip, err := m.chain.Tip(callCtx)
	if err != nil {
		m.oracleError("tip", err)
		return
	}
	m.evaluate(l, engine.Observation{Tip: tip, Spend: spend, At: time.Now().UTC()})
}

// evaluate feeds one observation through the engine and persists the
// decision. ErrTerminal and ErrStaleTransition from the store are the
// expected fate of duplicate events and are logged at debug only.
func (m *Monitor) evaluate(l *listing.Listing, obs engine.Observation) {
	var prices map[uint64]bool
	if obs.Spend != nil {
		steps, err := m.store.Steps(l.ID)
		if err != nil {
			m.log.Error().Err(err).Uint64("listing_id", l.ID).Msg("Schedule load failed")
			return
		}
		prices = listing.PriceSet(steps)
	}

	d := engine.Step(l, prices, obs)
	if !d.Changed {
		return
	}

	err := m.store.UpdateStatus(l.ID, d.Next, d.Spend)
	switch {
	case errors.Is(err, listing.ErrTerminal), errors.Is(err, listing.ErrStaleTransition):
		m.log.Debug().
			Uint64("listing_id", l.ID).
			Str("next", string(d.Next)).
			Msg("Duplicate transition ignored")
		return
	case err != nil:
		m.log.Error().Err(err).Uint64("listing_id", l.ID).Msg("Status update failed")
		return
	}

	metrics.TransitionsTotal.WithLabelValues(string(l.Status), string(d.Next)).Inc()
	ev := m.log.Info().
		Uint64("listing_id", l.ID).
		Str("from", string(l.Status)).
		Str("to", string(d.Next)).
		Uint64("tip", obs.Tip)
	if d.Spend != nil {
		ev = ev.Str("spent_txid", d.Spend.TxID).Str("recipient", d.Spend.Recipient)
	}
	ev.Msg("Listing transitioned")
}

// refreshGauges republishes the per-status listing population.
func (m *Monitor) refreshGauges() {
	counts, err := m.store.CountByStatus()
	if err != nil {
		m.log.Debug().Err(err).Msg("Status count failed")
		return
	}
	for _, st := range []listing.Status{
		listing.StatusUpcoming, listing.StatusActive, listing.StatusFinished,
		listing.StatusExpired, listing.StatusSold, listing.StatusClosed,
	} {
		metrics.ListingsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// oracleError records and logs a failed oracle call with its class.
func (m *Monitor) oracleError(call string, err error) {
	class := "transient"
	if errors.Is(err, oracle.ErrFatal) {
		class = "fatal"
	}
	metrics.OracleErrorsTotal.WithLabelValues("bitcoin", class).Inc()
	m.log.Warn().Err(err).Str("call", call).Msg("Oracle call failed, skipping cycle")
}
