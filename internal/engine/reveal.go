package engine

import (
	"github.com/utxodutch/dutchd/internal/listing"
)

// Kind labels a revelation outcome when no step is returned, or "ok"
// alongside one.
type Kind string

const (
	KindOK         Kind = "ok"
	KindNotStarted Kind = "not_started"
	KindExpired    Kind = "expired"
	KindSold       Kind = "sold"
	KindClosed     Kind = "closed"
)

// Revelation is the current-PSBT answer for one listing at one height.
type Revelation struct {
	Step *listing.PsbtStep
	Kind Kind
}

// StepSource is the schedule lookup Reveal needs, satisfied by the
// listing store.
type StepSource interface {
	StepFor(id, block uint64) (*listing.PsbtStep, error)
}

// Reveal returns the one step purchasable at height now, or the reason
// there is none. The returned step's block number never exceeds now:
// future steps stay hidden until the chain reaches them.
func Reveal(l *listing.Listing, src StepSource, now uint64) (Revelation, error) {
	switch l.Status {
	case listing.StatusSold:
		return Revelation{Kind: KindSold}, nil
	case listing.StatusClosed:
		return Revelation{Kind: KindClosed}, nil
	}

	switch {
	case now < l.StartBlock:
		return Revelation{Kind: KindNotStarted}, nil
	case now <= l.EndBlock:
		step, err := src.StepFor(l.ID, now)
		if err != nil {
			return Revelation{}, err
		}
		return Revelation{Step: step, Kind: KindOK}, nil
	case l.BlocksAfterEnd > 0 && now <= l.GraceEnd():
		// The final, lowest-price PSBT stays purchasable through the
		// grace window.
		step, err := src.StepFor(l.ID, l.EndBlock)
		if err != nil {
			return Revelation{}, err
		}
		return Revelation{Step: step, Kind: KindOK}, nil
	default:
		return Revelation{Kind: KindExpired}, nil
	}
}
