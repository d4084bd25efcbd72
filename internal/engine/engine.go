// Package engine holds the pure listing state machine. It decides
// transitions from explicit inputs (the persisted listing, the current
// tip, an optional spend observation) and leaves every write to the
// caller, so duplicate or stale invocations are harmless by
// construction.
package engine

import (
	"time"

	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/oracle"
)

// Observation is what one event-pipeline cycle learned about a listing's
// world: the tip it saw and, if the UTXO is gone, the spending
// transaction.
type Observation struct {
	Tip   uint64
	Spend *oracle.Spend
	At    time.Time
}

// Decision is the engine's verdict. Changed is false when the listing
// should stay as it is.
type Decision struct {
	Next    listing.Status
	Spend   *listing.SpendInfo
	Changed bool
}

// Step applies the transition table. A spend observation always decides
// the terminal outcome; otherwise the tip alone picks the target state.
// Evaluating the current tip means a listing can legally skip states it
// was never observed in, such as upcoming directly to expired.
func Step(l *listing.Listing, prices map[uint64]bool, obs Observation) Decision {
	if l.Terminal() {
		return Decision{Next: l.Status}
	}
	if obs.Spend != nil {
		next, info := Classify(prices, obs.Spend, obs.At)
		return Decision{Next: next, Spend: info, Changed: true}
	}
	target := blockTarget(l, obs.Tip)
	if target == l.Status || !l.Status.CanTransition(target) {
		return Decision{Next: l.Status}
	}
	return Decision{Next: target, Changed: true}
}

// blockTarget returns the status implied by the tip alone.
func blockTarget(l *listing.Listing, tip uint64) listing.Status {
	switch {
	case tip < l.StartBlock:
		return listing.StatusUpcoming
	case tip <= l.EndBlock:
		return listing.StatusActive
	case l.BlocksAfterEnd > 0 && tip <= l.GraceEnd():
		return listing.StatusFinished
	default:
		return listing.StatusExpired
	}
}

// Classify decides whether a spend was a purchase through one of the
// listing's PSBTs. An output whose value hits a step price is the
// purchase signal; its address becomes the recipient. Anything else is a
// spend by other means, recorded as closed with the first output's
// address kept best effort.
func Classify(prices map[uint64]bool, spend *oracle.Spend, at time.Time) (listing.Status, *listing.SpendInfo) {
	info := &listing.SpendInfo{
		TxID:  spend.TxID,
		Block: spend.Block,
		At:    at,
	}
	for _, out := range spend.Outputs {
		if prices[out.Value] {
			info.Recipient = out.Address
			return listing.StatusSold, info
		}
	}
	if len(spend.Outputs) > 0 {
		info.Recipient = spend.Outputs[0].Address
	}
	return listing.StatusClosed, info
}
