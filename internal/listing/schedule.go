package listing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sort"
)

// psbtMagic is the 5-byte prefix of every serialized PSBT: "psbt" 0xff.
var psbtMagic = []byte{0x70, 0x73, 0x62, 0x74, 0xff}

// ValidatePSBT checks that data is base64 and decodes to a blob starting
// with the PSBT magic. Nothing beyond the prefix is inspected.
func ValidatePSBT(data string) error {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("psbt is not valid base64: %w", err)
	}
	if len(raw) < len(psbtMagic) || !bytes.HasPrefix(raw, psbtMagic) {
		return fmt.Errorf("psbt missing magic prefix")
	}
	return nil
}

// SortSteps orders a schedule by block number in place.
func SortSteps(steps []PsbtStep) {
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].BlockNumber < steps[j].BlockNumber
	})
}

// ValidateSchedule checks a sorted-or-unsorted schedule against the
// listing header: contiguous coverage of [start_block, end_block],
// declared boundary prices, non-increasing prices, and either the strict
// Dutch form (descending ramp consistent with price_decrement) or the
// single-block fixed-price form. The steps slice is sorted in place.
func ValidateSchedule(l *Listing, steps []PsbtStep) error {
	if l.EndBlock < l.StartBlock {
		return fmt.Errorf("end_block %d before start_block %d", l.EndBlock, l.StartBlock)
	}
	want := l.StepCount()
	if uint64(len(steps)) != want {
		return fmt.Errorf("schedule has %d steps, block range needs %d", len(steps), want)
	}
	if l.EndPriceSats == 0 {
		return fmt.Errorf("end_price_sats must be positive")
	}

	SortSteps(steps)

	// Contiguous coverage, one step per height. Sorted duplicates show up
	// as a gap at the following height.
	for i, s := range steps {
		expect := l.StartBlock + uint64(i)
		if s.BlockNumber != expect {
			return fmt.Errorf("step %d covers block %d, want %d", i, s.BlockNumber, expect)
		}
	}

	first, last := steps[0], steps[len(steps)-1]
	if first.PriceSats != l.StartPriceSats {
		return fmt.Errorf("first step price %d != start_price_sats %d", first.PriceSats, l.StartPriceSats)
	}
	if last.PriceSats != l.EndPriceSats {
		return fmt.Errorf("last step price %d != end_price_sats %d", last.PriceSats, l.EndPriceSats)
	}

	for i := 1; i < len(steps); i++ {
		if steps[i].PriceSats > steps[i-1].PriceSats {
			return fmt.Errorf("price increases at block %d", steps[i].BlockNumber)
		}
	}

	if l.StartBlock == l.EndBlock {
		// Fixed-price degenerate form.
		if l.StartPriceSats != l.EndPriceSats {
			return fmt.Errorf("single-block listing must have equal start and end prices")
		}
		if l.PriceDecrement != 0 {
			return fmt.Errorf("single-block listing must have zero price_decrement")
		}
		return nil
	}

	// Strict Dutch: the declared prices must be the clamped linear ramp
	// start - k*decrement, and the decrement must account for the whole
	// range within one rounding unit.
	dec := l.PriceDecrement
	if dec == 0 {
		return fmt.Errorf("multi-block listing requires price_decrement > 0")
	}
	if l.StartPriceSats < l.EndPriceSats {
		return fmt.Errorf("start_price_sats %d below end_price_sats %d", l.StartPriceSats, l.EndPriceSats)
	}
	total := l.StartPriceSats - l.EndPriceSats
	span := want - 1
	if span*dec < total {
		return fmt.Errorf("price_decrement %d cannot span drop of %d over %d steps", dec, total, span)
	}
	if span*dec-total >= dec {
		return fmt.Errorf("price_decrement %d inconsistent with drop of %d over %d steps", dec, total, span)
	}
	for k, s := range steps {
		expect := l.EndPriceSats
		if drop := uint64(k) * dec; drop < total {
			expect = l.StartPriceSats - drop
		}
		if s.PriceSats != expect {
			return fmt.Errorf("step at block %d has price %d, ramp expects %d", s.BlockNumber, s.PriceSats, expect)
		}
	}
	return nil
}
