package monitor

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/utxodutch/dutchd/internal/bitcoin"
	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/oracle"
	"github.com/utxodutch/dutchd/internal/storage"
	"github.com/utxodutch/dutchd/pkg/types"
)

// fakeChain is a mutable chain oracle: a tip, a set of live UTXOs and a
// map of recorded spends.
type fakeChain struct {
	mu     sync.Mutex
	tip    uint64
	tipErr error
	spent  map[types.Outpoint]*oracle.Spend
}

func newFakeChain(tip uint64) *fakeChain {
	return &fakeChain{tip: tip, spent: make(map[types.Outpoint]*oracle.Spend)}
}

func (f *fakeChain) setTip(h uint64) {
	f.mu.Lock()
	f.tip = h
	f.mu.Unlock()
}

func (f *fakeChain) spend(op types.Outpoint, s *oracle.Spend) {
	f.mu.Lock()
	f.spent[op] = s
	f.mu.Unlock()
}

func (f *fakeChain) Tip(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tipErr != nil {
		return 0, f.tipErr
	}
	return f.tip, nil
}

func (f *fakeChain) UTXO(_ context.Context, op types.Outpoint) (*oracle.TxOut, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, gone := f.spent[op]; gone {
		return nil, fmt.Errorf("%w: %s", oracle.ErrUTXOMissing, op)
	}
	return &oracle.TxOut{Value: 600, Confirmations: 10, Address: "bc1qseller"}, nil
}

func (f *fakeChain) IsSpent(_ context.Context, op types.Outpoint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, gone := f.spent[op]
	return gone, nil
}

func (f *fakeChain) SpendingTx(_ context.Context, op types.Outpoint, _ uint64) (*oracle.Spend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.spent[op]; ok && s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", oracle.ErrSpendNotFound, op)
}

func testTxID(n int) string {
	return fmt.Sprintf("%064x", n)
}

func encodePSBT(tail byte) string {
	return base64.StdEncoding.EncodeToString([]byte{0x70, 0x73, 0x62, 0x74, 0xff, tail})
}

// seedListing inserts the five-step ramp from 850000 (100000 down to
// 60000, 144-block grace) pinned to txid n.
func seedListing(t *testing.T, store *listing.Store, n int) *listing.Listing {
	t.Helper()
	l := &listing.Listing{
		AssetName:      "RAREPEPE",
		UtxoTxID:       testTxID(n),
		StartBlock:     850000,
		EndBlock:       850004,
		BlocksAfterEnd: 144,
		StartPriceSats: 100000,
		EndPriceSats:   60000,
		PriceDecrement: 10000,
		Status:         listing.StatusUpcoming,
		CreatedBlock:   849999,
	}
	steps := make([]listing.PsbtStep, 0, 5)
	for i := 0; i < 5; i++ {
		steps = append(steps, listing.PsbtStep{
			BlockNumber: 850000 + uint64(i),
			PriceSats:   100000 - uint64(i)*10000,
			PsbtData:    encodePSBT(byte(i)),
		})
	}
	id, err := store.Insert(l, steps)
	if err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	l.ID = id
	return l
}

func setup(t *testing.T, tip uint64) (*Monitor, *listing.Store, *fakeChain) {
	t.Helper()
	store := listing.NewStore(storage.NewMemory())
	chain := newFakeChain(tip)
	return New(store, chain, time.Hour, time.Hour), store, chain
}

func mustStatus(t *testing.T, store *listing.Store, id uint64, want listing.Status) *listing.Listing {
	t.Helper()
	l, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get(%d) error: %v", id, err)
	}
	if l.Status != want {
		t.Fatalf("listing %d status = %s, want %s", id, l.Status, want)
	}
	return l
}

func TestSweepBlocks_Activates(t *testing.T) {
	m, store, chain := setup(t, 849999)
	l := seedListing(t, store, 1)

	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusUpcoming)

	chain.setTip(850000)
	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusActive)
}

func TestSweepBlocks_FinishesThenExpires(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)

	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusActive)

	chain.setTip(850005)
	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusFinished)

	chain.setTip(850149)
	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusExpired)
}

func TestSweepBlocks_SpentListingGoesToSpendPath(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusActive)

	// The buyer settles at the 80000-sat step, and the next block sweep
	// runs well past the grace window before any spend sweep does. The
	// sweep must record the sale, not expire the listing.
	chain.spend(l.Outpoint(), &oracle.Spend{
		TxID:  testTxID(9),
		Block: 850002,
		Outputs: []oracle.TxOutput{
			{Value: 80000, Address: "bc1qbuyer"},
			{Value: 2000, Address: "bc1qchange"},
		},
	})
	chain.setTip(850149)
	m.SweepBlocks(context.Background())

	got := mustStatus(t, store, l.ID, listing.StatusSold)
	if got.SpentTxID != testTxID(9) || got.Recipient != "bc1qbuyer" {
		t.Errorf("spend fields = txid %s recipient %s", got.SpentTxID, got.Recipient)
	}

	m.SweepSpends(context.Background())
	mustStatus(t, store, l.ID, listing.StatusSold)
}

func TestSweepBlocks_UnlocatedSpenderDefersTransition(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	// The UTXO is gone but no confirmed spender is found yet. The block
	// sweep must hold the listing rather than expire it under the spend.
	chain.spend(l.Outpoint(), nil)
	chain.setTip(850149)
	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusActive)
}

func TestSweepBlocks_SkipsOnOracleFailure(t *testing.T) {
	m, store, chain := setup(t, 850001)
	l := seedListing(t, store, 1)
	chain.tipErr = fmt.Errorf("%w: connection refused", oracle.ErrTransient)

	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusUpcoming)

	chain.tipErr = nil
	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusActive)
}

func TestSweepSpends_SoldClassification(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	chain.spend(l.Outpoint(), &oracle.Spend{
		TxID:  testTxID(9),
		Block: 850002,
		Outputs: []oracle.TxOutput{
			{Value: 80000, Address: "bc1qbuyer"},
			{Value: 2000, Address: "bc1qchange"},
		},
	})

	m.SweepSpends(context.Background())
	got := mustStatus(t, store, l.ID, listing.StatusSold)
	if got.SpentTxID != testTxID(9) || got.Recipient != "bc1qbuyer" || got.SpentBlock != 850002 {
		t.Errorf("spend fields = txid %s recipient %s block %d", got.SpentTxID, got.Recipient, got.SpentBlock)
	}
}

func TestSweepSpends_ClosedClassification(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	chain.spend(l.Outpoint(), &oracle.Spend{
		TxID:    testTxID(9),
		Block:   850002,
		Outputs: []oracle.TxOutput{{Value: 123456, Address: "bc1qelsewhere"}},
	})

	m.SweepSpends(context.Background())
	got := mustStatus(t, store, l.ID, listing.StatusClosed)
	if got.Recipient != "bc1qelsewhere" {
		t.Errorf("Recipient = %q, want bc1qelsewhere", got.Recipient)
	}
}

func TestSweepSpends_SpenderNotLocatedLeavesListing(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	// UTXO reported gone, but no spending transaction found: the cycle
	// must leave the listing untouched instead of guessing.
	chain.spend(l.Outpoint(), nil)

	m.SweepSpends(context.Background())
	mustStatus(t, store, l.ID, listing.StatusActive)
}

func TestSweepSpends_DuplicateObservationIsNoOp(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	chain.spend(l.Outpoint(), &oracle.Spend{
		TxID:    testTxID(9),
		Block:   850002,
		Outputs: []oracle.TxOutput{{Value: 80000, Address: "bc1qbuyer"}},
	})

	m.SweepSpends(context.Background())
	m.SweepSpends(context.Background())
	m.SweepBlocks(context.Background())

	got := mustStatus(t, store, l.ID, listing.StatusSold)
	if got.SpentTxID != testTxID(9) {
		t.Errorf("SpentTxID = %q after duplicate sweeps", got.SpentTxID)
	}
}

func TestSweepBlocks_TerminalNeverRevisited(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	chain.spend(l.Outpoint(), &oracle.Spend{
		TxID:    testTxID(9),
		Block:   850002,
		Outputs: []oracle.TxOutput{{Value: 80000, Address: "bc1qbuyer"}},
	})
	m.SweepSpends(context.Background())
	mustStatus(t, store, l.ID, listing.StatusSold)

	// Far-future block sweeps must not drag the sold listing to expired.
	chain.setTip(860000)
	m.SweepBlocks(context.Background())
	mustStatus(t, store, l.ID, listing.StatusSold)
}

func TestHandleTxEvent_OnlyWatchedUTXOs(t *testing.T) {
	m, store, chain := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	chain.spend(l.Outpoint(), &oracle.Spend{
		TxID:    testTxID(9),
		Block:   850002,
		Outputs: []oracle.TxOutput{{Value: 60000, Address: "bc1qbuyer"}},
	})

	m.handleTxEvent(context.Background(), bitcoin.TxEvent{
		TxID: testTxID(9),
		Inputs: []types.Outpoint{
			{TxID: testTxID(42), Vout: 3}, // unrelated outpoint
			l.Outpoint(),
		},
	})

	got := mustStatus(t, store, l.ID, listing.StatusSold)
	if got.Recipient != "bc1qbuyer" {
		t.Errorf("Recipient = %q, want bc1qbuyer", got.Recipient)
	}
}

func TestHandleTxEvent_UnconfirmedSpendWaits(t *testing.T) {
	m, store, _ := setup(t, 850002)
	l := seedListing(t, store, 1)
	m.SweepBlocks(context.Background())

	// The rawtx notification names the UTXO, but the node still reports
	// it unspent (mempool only): no transition yet.
	m.handleTxEvent(context.Background(), bitcoin.TxEvent{
		TxID:   testTxID(9),
		Inputs: []types.Outpoint{l.Outpoint()},
	})
	mustStatus(t, store, l.ID, listing.StatusActive)
}

// fakeFeed delivers scripted push events.
type fakeFeed struct {
	blocks chan bitcoin.BlockEvent
	txs    chan bitcoin.TxEvent
}

func (f *fakeFeed) Blocks() <-chan bitcoin.BlockEvent { return f.blocks }
func (f *fakeFeed) Txs() <-chan bitcoin.TxEvent       { return f.txs }

func TestStartStop_PushPath(t *testing.T) {
	m, store, chain := setup(t, 849999)
	l := seedListing(t, store, 1)

	feed := &fakeFeed{
		blocks: make(chan bitcoin.BlockEvent, 1),
		txs:    make(chan bitcoin.TxEvent, 1),
	}
	m.SetFeed(feed)
	m.Start()
	defer m.Stop()

	chain.setTip(850000)
	feed.blocks <- bitcoin.BlockEvent{Hash: "00" + testTxID(7)[2:]}

	deadline := time.After(2 * time.Second)
	for {
		got, err := store.Get(l.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.Status == listing.StatusActive {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("listing still %s after push block event", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
