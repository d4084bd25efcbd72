package api

import (
	"errors"
	"net/http"

	"github.com/utxodutch/dutchd/internal/admission"
	"github.com/utxodutch/dutchd/internal/engine"
	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/oracle"
	"github.com/utxodutch/dutchd/pkg/types"
)

// submitRequest is the POST /listings body. Psbts carries one entry per
// block of [start_block, end_block].
type submitRequest struct {
	AssetName      string             `json:"asset_name"`
	AssetQty       types.Quantity     `json:"asset_qty"`
	UtxoTxID       string             `json:"utxo_txid"`
	UtxoVout       uint32             `json:"utxo_vout"`
	StartBlock     uint64             `json:"start_block"`
	EndBlock       uint64             `json:"end_block"`
	BlocksAfterEnd uint64             `json:"blocks_after_end"`
	StartPriceSats uint64             `json:"start_price_sats"`
	EndPriceSats   uint64             `json:"end_price_sats"`
	PriceDecrement uint64             `json:"price_decrement"`
	Psbts          []listing.PsbtStep `json:"psbts"`
}

// listing converts the request into the aggregate the admitter checks.
func (r *submitRequest) listing() *listing.Listing {
	return &listing.Listing{
		AssetName:      r.AssetName,
		AssetQty:       r.AssetQty,
		UtxoTxID:       r.UtxoTxID,
		UtxoVout:       r.UtxoVout,
		StartBlock:     r.StartBlock,
		EndBlock:       r.EndBlock,
		BlocksAfterEnd: r.BlocksAfterEnd,
		StartPriceSats: r.StartPriceSats,
		EndPriceSats:   r.EndPriceSats,
		PriceDecrement: r.PriceDecrement,
	}
}

// listingsResponse wraps list results.
type listingsResponse struct {
	Listings []*listing.Listing `json:"listings"`
	Count    int                `json:"count"`
}

// revelationResponse is the GET /listings/{id}/current-psbt body. Step
// is present only when a PSBT is purchasable right now.
type revelationResponse struct {
	ListingID uint64            `json:"listing_id"`
	Status    listing.Status    `json:"status"`
	Kind      engine.Kind       `json:"kind"`
	Step      *listing.PsbtStep `json:"step,omitempty"`
}

// healthResponse is the GET /health body. The endpoint answers 200 even
// when the node is unreachable; BitcoinConnected carries the bad news.
type healthResponse struct {
	Status           string                 `json:"status"`
	BitcoinConnected bool                   `json:"bitcoin_connected"`
	TipHeight        uint64                 `json:"tip_height"`
	Listings         map[listing.Status]int `json:"listings"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a pipeline error to its HTTP status. Local validation
// failures are 400, conflicts 409, oracle trouble 502/503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, admission.ErrShape),
		errors.Is(err, admission.ErrSchedule),
		errors.Is(err, admission.ErrTemporal),
		errors.Is(err, admission.ErrUTXOUnavailable),
		errors.Is(err, admission.ErrAssetMismatch):
		return http.StatusBadRequest
	case errors.Is(err, listing.ErrUTXOInUse):
		return http.StatusConflict
	case errors.Is(err, listing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, oracle.ErrFatal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
