// Package listing defines the broker's core record, a Dutch-auction
// listing with its per-block PSBT schedule, and the durable store that
// holds it.
package listing

import (
	"fmt"
	"strings"
	"time"

	"github.com/utxodutch/dutchd/pkg/types"
)

// Status is the lifecycle state of a listing.
type Status string

// Listing lifecycle states. The first three are non-terminal and count
// against the one-listing-per-UTXO rule; the last three are absorbing.
const (
	StatusUpcoming Status = "upcoming"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusExpired  Status = "expired"
	StatusSold     Status = "sold"
	StatusClosed   Status = "closed"
)

// NonTerminalStatuses are the states subject to further transitions.
var NonTerminalStatuses = []Status{StatusUpcoming, StatusActive, StatusFinished}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusActive, StatusFinished, StatusExpired, StatusSold, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusSold, StatusClosed:
		return true
	}
	return false
}

// rank orders statuses along the lifecycle so regressive transitions can
// be rejected. All terminal states share the top rank.
func (s Status) rank() int {
	switch s {
	case StatusUpcoming:
		return 0
	case StatusActive:
		return 1
	case StatusFinished:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether moving from s to next advances the
// lifecycle. Same-status moves are not transitions (callers treat them
// as no-ops); moves out of a terminal state never advance.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ParseStatusSet parses a comma-separated status filter ("active,finished").
// An empty string yields an empty set, meaning no filtering.
func ParseStatusSet(s string) ([]Status, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	set := make([]Status, 0, len(parts))
	for _, p := range parts {
		st := Status(strings.TrimSpace(p))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", p)
		}
		set = append(set, st)
	}
	return set, nil
}

// Listing is the aggregate root. It is created by admission in
// StatusUpcoming and afterwards mutated only through Store.UpdateStatus.
type Listing struct {
	ID             uint64         `json:"id"`
	AssetName      string         `json:"asset_name"`
	AssetQty       types.Quantity `json:"asset_qty"`
	UtxoTxID       string         `json:"utxo_txid"`
	UtxoVout       uint32         `json:"utxo_vout"`
	StartBlock     uint64         `json:"start_block"`
	EndBlock       uint64         `json:"end_block"`
	BlocksAfterEnd uint64         `json:"blocks_after_end"`
	StartPriceSats uint64         `json:"start_price_sats"`
	EndPriceSats   uint64         `json:"end_price_sats"`
	PriceDecrement uint64         `json:"price_decrement"`
	Status         Status         `json:"status"`

	// Spend fields, populated exactly when Status is sold or closed.
	SpentTxID  string     `json:"spent_txid,omitempty"`
	SpentBlock uint64     `json:"spent_block,omitempty"`
	SpentAt    *time.Time `json:"spent_at,omitempty"`
	Recipient  string     `json:"recipient,omitempty"`

	Seller    string    `json:"seller,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// CreatedBlock is the tip at admission. The UTXO was verified
	// unspent at this height, so spend scans never need to look
	// further back.
	CreatedBlock uint64 `json:"created_block"`
}

// Outpoint returns the UTXO the listing is pinned to.
func (l *Listing) Outpoint() types.Outpoint {
	return types.Outpoint{TxID: l.UtxoTxID, Vout: l.UtxoVout}
}

// Terminal reports whether the listing has reached an absorbing state.
func (l *Listing) Terminal() bool { return l.Status.Terminal() }

// GraceEnd returns the last height at which the final PSBT remains
// purchasable.
func (l *Listing) GraceEnd() uint64 { return l.EndBlock + l.BlocksAfterEnd }

// StepCount returns the number of schedule steps the block range implies.
func (l *Listing) StepCount() uint64 { return l.EndBlock - l.StartBlock + 1 }

// PsbtStep is one entry of the schedule: the PSBT that becomes current at
// BlockNumber, asking PriceSats. PsbtData stays an opaque base64 blob;
// the broker checks the magic prefix at admission and never decodes it
// again.
type PsbtStep struct {
	BlockNumber uint64 `json:"block_number"`
	PriceSats   uint64 `json:"price_sats"`
	PsbtData    string `json:"psbt_data"`
}

// SpendInfo carries the spend facts written alongside a transition to
// sold or closed.
type SpendInfo struct {
	TxID      string
	Block     uint64
	At        time.Time
	Recipient string
}

// PriceSet collects the distinct step prices of a schedule. Spend
// classification tests transaction outputs against this set.
func PriceSet(steps []PsbtStep) map[uint64]bool {
	set := make(map[uint64]bool, len(steps))
	for _, s := range steps {
		set[s.PriceSats] = true
	}
	return set
}
