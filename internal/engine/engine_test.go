package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/oracle"
)

// dutchListing is the five-step ramp from 850000: 100000 down to 60000
// by 10000, 144-block grace.
func dutchListing(status listing.Status) *listing.Listing {
	return &listing.Listing{
		ID:             1,
		AssetName:      "RAREPEPE",
		UtxoTxID:       fmt.Sprintf("%064x", 1),
		StartBlock:     850000,
		EndBlock:       850004,
		BlocksAfterEnd: 144,
		StartPriceSats: 100000,
		EndPriceSats:   60000,
		PriceDecrement: 10000,
		Status:         status,
	}
}

func dutchPrices() map[uint64]bool {
	return map[uint64]bool{100000: true, 90000: true, 80000: true, 70000: true, 60000: true}
}

func TestStep_BlockTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    listing.Status
		tip     uint64
		want    listing.Status
		changed bool
	}{
		{"upcoming stays before start", listing.StatusUpcoming, 849999, listing.StatusUpcoming, false},
		{"upcoming activates at start", listing.StatusUpcoming, 850000, listing.StatusActive, true},
		{"upcoming skips to finished", listing.StatusUpcoming, 850005, listing.StatusFinished, true},
		{"upcoming skips to expired", listing.StatusUpcoming, 850149, listing.StatusExpired, true},
		{"active stays in window", listing.StatusActive, 850004, listing.StatusActive, false},
		{"active finishes past end", listing.StatusActive, 850005, listing.StatusFinished, true},
		{"active expires past grace", listing.StatusActive, 850149, listing.StatusExpired, true},
		{"finished holds through grace", listing.StatusFinished, 850148, listing.StatusFinished, false},
		{"finished expires after grace", listing.StatusFinished, 850149, listing.StatusExpired, true},
	}
	for _, c := range cases {
		l := dutchListing(c.from)
		d := Step(l, dutchPrices(), Observation{Tip: c.tip})
		if d.Next != c.want || d.Changed != c.changed {
			t.Errorf("%s: Step() = (%s, changed=%v), want (%s, changed=%v)",
				c.name, d.Next, d.Changed, c.want, c.changed)
		}
		if d.Spend != nil {
			t.Errorf("%s: block transition carries spend info", c.name)
		}
	}
}

func TestStep_ZeroGraceExpiresDirectly(t *testing.T) {
	l := dutchListing(listing.StatusActive)
	l.BlocksAfterEnd = 0

	d := Step(l, dutchPrices(), Observation{Tip: 850005})
	if d.Next != listing.StatusExpired || !d.Changed {
		t.Errorf("Step() = (%s, changed=%v), want (expired, changed=true)", d.Next, d.Changed)
	}
}

func TestStep_TerminalIsInert(t *testing.T) {
	for _, st := range []listing.Status{listing.StatusSold, listing.StatusClosed, listing.StatusExpired} {
		l := dutchListing(st)
		spend := &oracle.Spend{TxID: fmt.Sprintf("%064x", 9), Block: 850003}

		d := Step(l, dutchPrices(), Observation{Tip: 850200, Spend: spend, At: time.Now()})
		if d.Changed {
			t.Errorf("%s: Step() changed a terminal listing", st)
		}
		if d.Next != st {
			t.Errorf("%s: Step() next = %s, want unchanged", st, d.Next)
		}
	}
}

func TestStep_Idempotent(t *testing.T) {
	l := dutchListing(listing.StatusUpcoming)
	obs := Observation{Tip: 850005}

	first := Step(l, dutchPrices(), obs)
	if !first.Changed {
		t.Fatal("first Step() did not change")
	}
	l.Status = first.Next

	second := Step(l, dutchPrices(), obs)
	if second.Changed {
		t.Errorf("second Step() with same inputs changed again to %s", second.Next)
	}
}

func TestStep_SpendWins(t *testing.T) {
	// A spend observation decides the outcome even when the tip alone
	// would have produced a block transition.
	l := dutchListing(listing.StatusActive)
	spend := &oracle.Spend{
		TxID:  fmt.Sprintf("%064x", 9),
		Block: 850003,
		Outputs: []oracle.TxOutput{
			{Value: 80000, Address: "bc1qbuyer"},
			{Value: 2000, Address: "bc1qchange"},
		},
	}
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	d := Step(l, dutchPrices(), Observation{Tip: 850200, Spend: spend, At: at})
	if d.Next != listing.StatusSold || !d.Changed {
		t.Fatalf("Step() = (%s, changed=%v), want (sold, changed=true)", d.Next, d.Changed)
	}
	if d.Spend == nil {
		t.Fatal("Step() returned no spend info")
	}
	if d.Spend.TxID != spend.TxID || d.Spend.Block != 850003 {
		t.Errorf("spend info = %+v", d.Spend)
	}
	if d.Spend.Recipient != "bc1qbuyer" {
		t.Errorf("Recipient = %q, want bc1qbuyer", d.Spend.Recipient)
	}
	if !d.Spend.At.Equal(at) {
		t.Errorf("At = %v, want %v", d.Spend.At, at)
	}
}

func TestClassify_Sold(t *testing.T) {
	spend := &oracle.Spend{
		TxID:  fmt.Sprintf("%064x", 3),
		Block: 850002,
		Outputs: []oracle.TxOutput{
			{Value: 80000, Address: "bc1qbuyer"},
			{Value: 2000, Address: "bc1qchange"},
		},
	}

	st, info := Classify(dutchPrices(), spend, time.Now())
	if st != listing.StatusSold {
		t.Fatalf("Classify() = %s, want sold", st)
	}
	if info.Recipient != "bc1qbuyer" {
		t.Errorf("Recipient = %q, want bc1qbuyer", info.Recipient)
	}
}

func TestClassify_FirstMatchingOutputWins(t *testing.T) {
	spend := &oracle.Spend{
		TxID:  fmt.Sprintf("%064x", 3),
		Block: 850002,
		Outputs: []oracle.TxOutput{
			{Value: 12345, Address: "bc1qother"},
			{Value: 70000, Address: "bc1qfirst"},
			{Value: 60000, Address: "bc1qsecond"},
		},
	}

	st, info := Classify(dutchPrices(), spend, time.Now())
	if st != listing.StatusSold {
		t.Fatalf("Classify() = %s, want sold", st)
	}
	if info.Recipient != "bc1qfirst" {
		t.Errorf("Recipient = %q, want bc1qfirst", info.Recipient)
	}
}

func TestClassify_Closed(t *testing.T) {
	spend := &oracle.Spend{
		TxID:  fmt.Sprintf("%064x", 4),
		Block: 850003,
		Outputs: []oracle.TxOutput{
			{Value: 123456, Address: "bc1qelsewhere"},
			{Value: 5000, Address: "bc1qchange"},
		},
	}

	st, info := Classify(dutchPrices(), spend, time.Now())
	if st != listing.StatusClosed {
		t.Fatalf("Classify() = %s, want closed", st)
	}
	if info.Recipient != "bc1qelsewhere" {
		t.Errorf("Recipient = %q, want first output bc1qelsewhere", info.Recipient)
	}
	if info.TxID != spend.TxID || info.Block != spend.Block {
		t.Errorf("spend info = %+v", info)
	}
}

func TestClassify_NoOutputs(t *testing.T) {
	spend := &oracle.Spend{TxID: fmt.Sprintf("%064x", 5), Block: 850003}

	st, info := Classify(dutchPrices(), spend, time.Now())
	if st != listing.StatusClosed {
		t.Fatalf("Classify() = %s, want closed", st)
	}
	if info.Recipient != "" {
		t.Errorf("Recipient = %q, want empty", info.Recipient)
	}
}
