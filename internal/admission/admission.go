// Package admission implements the ordered validation pipeline that turns
// a submission into a persisted upcoming listing. Every check rejects the
// whole submission before any write happens; the only state change is the
// final atomic insert.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/log"
	"github.com/utxodutch/dutchd/internal/metrics"
	"github.com/utxodutch/dutchd/internal/oracle"
	"github.com/utxodutch/dutchd/pkg/types"
)

// Rejection reasons. UTXO conflicts surface as listing.ErrUTXOInUse and
// oracle failures keep their oracle class.
var (
	ErrShape           = errors.New("malformed submission")
	ErrSchedule        = errors.New("invalid schedule")
	ErrTemporal        = errors.New("start block not in the future")
	ErrUTXOUnavailable = errors.New("utxo unavailable")
	ErrAssetMismatch   = errors.New("asset binding mismatch")
)

// Admitter validates submissions against the two oracles and inserts the
// survivors. It holds no locks across oracle calls; the store insert is
// the single atomic step.
type Admitter struct {
	store  *listing.Store
	chain  oracle.Chain
	assets oracle.Assets
	log    zerolog.Logger
}

// New creates an admitter.
func New(store *listing.Store, chain oracle.Chain, assets oracle.Assets) *Admitter {
	return &Admitter{
		store:  store,
		chain:  chain,
		assets: assets,
		log:    log.Admission,
	}
}

// Admit runs the pipeline on a submission. On success the listing is
// persisted with status upcoming, its seller recorded from the UTXO's
// address, and the assigned ID returned.
func (a *Admitter) Admit(ctx context.Context, l *listing.Listing, steps []listing.PsbtStep) (uint64, error) {
	id, err := a.admit(ctx, l, steps)
	metrics.AdmissionsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		a.log.Debug().Err(err).Str("utxo", l.Outpoint().String()).Msg("Submission rejected")
		return 0, err
	}
	a.log.Info().
		Uint64("listing_id", id).
		Str("asset", l.AssetName).
		Str("utxo", l.Outpoint().String()).
		Uint64("start_block", l.StartBlock).
		Uint64("end_block", l.EndBlock).
		Msg("Listing admitted")
	return id, nil
}

func (a *Admitter) admit(ctx context.Context, l *listing.Listing, steps []listing.PsbtStep) (uint64, error) {
	if err := checkShape(l, steps); err != nil {
		return 0, err
	}
	for i := range steps {
		if err := listing.ValidatePSBT(steps[i].PsbtData); err != nil {
			return 0, fmt.Errorf("%w: step %d: %v", ErrShape, i, err)
		}
	}
	if err := listing.ValidateSchedule(l, steps); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSchedule, err)
	}

	tip, err := a.chain.Tip(ctx)
	if err != nil {
		return 0, err
	}
	if l.StartBlock <= tip {
		return 0, fmt.Errorf("%w: start_block %d, tip %d", ErrTemporal, l.StartBlock, tip)
	}
	l.CreatedBlock = tip

	out, err := a.chain.UTXO(ctx, l.Outpoint())
	if errors.Is(err, oracle.ErrUTXOMissing) {
		return 0, fmt.Errorf("%w: %v", ErrUTXOUnavailable, err)
	}
	if err != nil {
		return 0, err
	}
	if out.Confirmations < 1 {
		return 0, fmt.Errorf("%w: %s is unconfirmed", ErrUTXOUnavailable, l.Outpoint())
	}

	balances, err := a.assets.Balances(ctx, l.Outpoint())
	if err != nil {
		return 0, err
	}
	if len(balances) != 1 {
		return 0, fmt.Errorf("%w: %d assets attached, need exactly 1", ErrAssetMismatch, len(balances))
	}
	bound := balances[0]
	if bound.Asset != l.AssetName {
		return 0, fmt.Errorf("%w: utxo carries %s, not %s", ErrAssetMismatch, bound.Asset, l.AssetName)
	}
	if !bound.Divisible && !l.AssetQty.IsWhole() {
		return 0, fmt.Errorf("%w: %s is indivisible, quantity %v must be whole", ErrAssetMismatch, bound.Asset, l.AssetQty)
	}
	if bound.Quantity != l.AssetQty {
		return 0, fmt.Errorf("%w: utxo carries %v %s, not %v", ErrAssetMismatch, bound.Quantity, bound.Asset, l.AssetQty)
	}

	l.Seller = out.Address
	l.Status = listing.StatusUpcoming
	l.CreatedAt = time.Now().UTC()
	return a.store.Insert(l, steps)
}

// checkShape validates field-level structure before anything touches an
// oracle. It also normalizes the submitted txid to lowercase.
func checkShape(l *listing.Listing, steps []listing.PsbtStep) error {
	if l.AssetName == "" {
		return fmt.Errorf("%w: asset_name is required", ErrShape)
	}
	if l.AssetQty == 0 {
		return fmt.Errorf("%w: asset_qty must be positive", ErrShape)
	}
	op, err := types.NewOutpoint(l.UtxoTxID, l.UtxoVout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShape, err)
	}
	l.UtxoTxID = op.TxID
	if l.StartBlock == 0 {
		return fmt.Errorf("%w: start_block is required", ErrShape)
	}
	if l.EndBlock < l.StartBlock {
		return fmt.Errorf("%w: end_block %d before start_block %d", ErrShape, l.EndBlock, l.StartBlock)
	}
	if len(steps) == 0 {
		return fmt.Errorf("%w: psbts are required", ErrShape)
	}
	if want := l.StepCount(); uint64(len(steps)) != want {
		return fmt.Errorf("%w: %d psbts for %d blocks", ErrShape, len(steps), want)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, oracle.ErrTransient), errors.Is(err, oracle.ErrFatal):
		return "unavailable"
	default:
		return "rejected"
	}
}
