package admission

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/utxodutch/dutchd/internal/listing"
	"github.com/utxodutch/dutchd/internal/oracle"
	"github.com/utxodutch/dutchd/internal/storage"
	"github.com/utxodutch/dutchd/pkg/types"
)

type fakeChain struct {
	tip    uint64
	tipErr error
	utxos  map[types.Outpoint]*oracle.TxOut
}

func (f *fakeChain) Tip(context.Context) (uint64, error) {
	if f.tipErr != nil {
		return 0, f.tipErr
	}
	return f.tip, nil
}

func (f *fakeChain) UTXO(_ context.Context, op types.Outpoint) (*oracle.TxOut, error) {
	if out, ok := f.utxos[op]; ok {
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", oracle.ErrUTXOMissing, op)
}

func (f *fakeChain) IsSpent(_ context.Context, op types.Outpoint) (bool, error) {
	_, ok := f.utxos[op]
	return !ok, nil
}

func (f *fakeChain) SpendingTx(_ context.Context, op types.Outpoint, _ uint64) (*oracle.Spend, error) {
	return nil, fmt.Errorf("%w: %s", oracle.ErrSpendNotFound, op)
}

type fakeAssets struct {
	balances map[types.Outpoint][]oracle.Balance
	err      error
}

func (f *fakeAssets) Balances(_ context.Context, op types.Outpoint) ([]oracle.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balances[op], nil
}

func encodePSBT(tail ...byte) string {
	raw := append([]byte{0x70, 0x73, 0x62, 0x74, 0xff}, tail...)
	return base64.StdEncoding.EncodeToString(raw)
}

func testTxID(n int) string {
	return fmt.Sprintf("%064x", n)
}

// testSubmission builds the S-series ramp: five blocks from 850000,
// prices 100000 down to 60000 by 10000.
func testSubmission(txNum int) (*listing.Listing, []listing.PsbtStep) {
	qty, _ := types.ParseQuantity("1")
	l := &listing.Listing{
		AssetName:      "RAREPEPE",
		AssetQty:       qty,
		UtxoTxID:       testTxID(txNum),
		UtxoVout:       0,
		StartBlock:     850000,
		EndBlock:       850004,
		BlocksAfterEnd: 144,
		StartPriceSats: 100000,
		EndPriceSats:   60000,
		PriceDecrement: 10000,
	}
	steps := make([]listing.PsbtStep, 0, 5)
	for i := 0; i < 5; i++ {
		steps = append(steps, listing.PsbtStep{
			BlockNumber: 850000 + uint64(i),
			PriceSats:   100000 - uint64(i)*10000,
			PsbtData:    encodePSBT(byte(i)),
		})
	}
	return l, steps
}

type testEnv struct {
	admitter *Admitter
	store    *listing.Store
	chain    *fakeChain
	assets   *fakeAssets
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	store := listing.NewStore(storage.NewMemory())
	chain := &fakeChain{
		tip:   849999,
		utxos: make(map[types.Outpoint]*oracle.TxOut),
	}
	assets := &fakeAssets{balances: make(map[types.Outpoint][]oracle.Balance)}
	return &testEnv{
		admitter: New(store, chain, assets),
		store:    store,
		chain:    chain,
		assets:   assets,
	}
}

// prime makes the fakes accept the submission's UTXO and asset binding.
func (e *testEnv) prime(l *listing.Listing) {
	op := l.Outpoint()
	e.chain.utxos[op] = &oracle.TxOut{Value: 600, Confirmations: 6, Address: "bc1qseller"}
	e.assets.balances[op] = []oracle.Balance{
		{Asset: l.AssetName, Quantity: l.AssetQty, Divisible: false},
	}
}

func TestAdmit_HappyPath(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	e.prime(l)

	id, err := e.admitter.Admit(context.Background(), l, steps)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if id != 1 {
		t.Errorf("Admit() id = %d, want 1", id)
	}

	got, err := e.store.Get(id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != listing.StatusUpcoming {
		t.Errorf("Status = %q, want %q", got.Status, listing.StatusUpcoming)
	}
	if got.Seller != "bc1qseller" {
		t.Errorf("Seller = %q, want bc1qseller", got.Seller)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// The persisted schedule equals the submitted one.
	persisted, err := e.store.Steps(id)
	if err != nil {
		t.Fatalf("Steps() error: %v", err)
	}
	if len(persisted) != len(steps) {
		t.Fatalf("Steps() returned %d, want %d", len(persisted), len(steps))
	}
	for i := range steps {
		if persisted[i] != steps[i] {
			t.Errorf("step %d = %+v, want %+v", i, persisted[i], steps[i])
		}
	}
}

func TestAdmit_NormalizesTxID(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(0xabcdef)
	lower := l.UtxoTxID
	e.prime(l) // fakes keyed by the lowercase outpoint
	l.UtxoTxID = strings.ToUpper(lower)

	id, err := e.admitter.Admit(context.Background(), l, steps)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	got, _ := e.store.Get(id)
	if got.UtxoTxID != lower {
		t.Errorf("UtxoTxID = %q, want normalized %q", got.UtxoTxID, lower)
	}
}

func TestAdmit_ShapeRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(l *listing.Listing, steps []listing.PsbtStep) []listing.PsbtStep
	}{
		{"missing asset name", func(l *listing.Listing, s []listing.PsbtStep) []listing.PsbtStep {
			l.AssetName = ""
			return s
		}},
		{"zero quantity", func(l *listing.Listing, s []listing.PsbtStep) []listing.PsbtStep {
			l.AssetQty = 0
			return s
		}},
		{"short txid", func(l *listing.Listing, s []listing.PsbtStep) []listing.PsbtStep {
			l.UtxoTxID = "abc123"
			return s
		}},
		{"non-hex txid", func(l *listing.Listing, s []listing.PsbtStep) []listing.PsbtStep {
			l.UtxoTxID = "zz" + l.UtxoTxID[2:]
			return s
		}},
		{"end before start", func(l *listing.Listing, s []listing.PsbtStep) []listing.PsbtStep {
			l.EndBlock = l.StartBlock - 1
			return s
		}},
		{"no steps", func(l *listing.Listing, s []listing.PsbtStep) []listing.PsbtStep {
			return nil
		}},
		{"step count mismatch", func(l *listing.Listing, s []listing.PsbtStep) []listing.PsbtStep {
			return s[:3]
		}},
	}
	for _, c := range cases {
		e := setup(t)
		l, steps := testSubmission(1)
		e.prime(l)
		steps = c.mutate(l, steps)

		_, err := e.admitter.Admit(context.Background(), l, steps)
		if !errors.Is(err, ErrShape) {
			t.Errorf("%s: Admit() error = %v, want ErrShape", c.name, err)
		}
	}
}

func TestAdmit_BadPSBT(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	e.prime(l)
	steps[2].PsbtData = base64.StdEncoding.EncodeToString([]byte("not a psbt"))

	_, err := e.admitter.Admit(context.Background(), l, steps)
	if !errors.Is(err, ErrShape) {
		t.Errorf("Admit() error = %v, want ErrShape", err)
	}
}

func TestAdmit_BadSchedule(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	e.prime(l)
	steps[1].PriceSats = 95000 // off the declared ramp

	_, err := e.admitter.Admit(context.Background(), l, steps)
	if !errors.Is(err, ErrSchedule) {
		t.Errorf("Admit() error = %v, want ErrSchedule", err)
	}
}

func TestAdmit_TemporalRejection(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	e.prime(l)

	// Start at the current tip is too late to admit.
	e.chain.tip = l.StartBlock
	if _, err := e.admitter.Admit(context.Background(), l, steps); !errors.Is(err, ErrTemporal) {
		t.Errorf("start at tip: Admit() error = %v, want ErrTemporal", err)
	}

	e.chain.tip = l.StartBlock + 10
	if _, err := e.admitter.Admit(context.Background(), l, steps); !errors.Is(err, ErrTemporal) {
		t.Errorf("start in past: Admit() error = %v, want ErrTemporal", err)
	}

	// No writes happened.
	all, err := e.store.List(nil)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("store has %d listings after rejections, want 0", len(all))
	}
}

func TestAdmit_UTXOUnavailable(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	// Not primed: oracle reports the UTXO missing.
	e.assets.balances[l.Outpoint()] = []oracle.Balance{
		{Asset: l.AssetName, Quantity: l.AssetQty},
	}

	_, err := e.admitter.Admit(context.Background(), l, steps)
	if !errors.Is(err, ErrUTXOUnavailable) {
		t.Errorf("missing utxo: Admit() error = %v, want ErrUTXOUnavailable", err)
	}

	// Present but unconfirmed is also unavailable.
	e.chain.utxos[l.Outpoint()] = &oracle.TxOut{Value: 600, Confirmations: 0}
	_, err = e.admitter.Admit(context.Background(), l, steps)
	if !errors.Is(err, ErrUTXOUnavailable) {
		t.Errorf("unconfirmed utxo: Admit() error = %v, want ErrUTXOUnavailable", err)
	}
}

func TestAdmit_AssetMismatch(t *testing.T) {
	qtyTwo, _ := types.ParseQuantity("2")
	cases := []struct {
		name     string
		balances []oracle.Balance
	}{
		{"no assets", nil},
		{"two assets", []oracle.Balance{
			{Asset: "RAREPEPE", Quantity: 100000000},
			{Asset: "PEPECASH", Quantity: 100000000},
		}},
		{"wrong asset", []oracle.Balance{{Asset: "PEPECASH", Quantity: 100000000}}},
		{"wrong quantity", []oracle.Balance{{Asset: "RAREPEPE", Quantity: qtyTwo}}},
	}
	for _, c := range cases {
		e := setup(t)
		l, steps := testSubmission(1)
		e.prime(l)
		e.assets.balances[l.Outpoint()] = c.balances

		_, err := e.admitter.Admit(context.Background(), l, steps)
		if !errors.Is(err, ErrAssetMismatch) {
			t.Errorf("%s: Admit() error = %v, want ErrAssetMismatch", c.name, err)
		}
	}
}

func TestAdmit_IndivisibleRejectsFractionalQty(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	l.AssetQty, _ = types.ParseQuantity("0.5")
	e.prime(l)
	e.assets.balances[l.Outpoint()] = []oracle.Balance{
		{Asset: l.AssetName, Quantity: l.AssetQty, Divisible: false},
	}

	_, err := e.admitter.Admit(context.Background(), l, steps)
	if !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("Admit() error = %v, want ErrAssetMismatch", err)
	}
	if !strings.Contains(err.Error(), "indivisible") {
		t.Errorf("Admit() error = %q, want it to name the indivisible asset", err)
	}
}

func TestAdmit_DivisibleAcceptsFractionalQty(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	l.AssetQty, _ = types.ParseQuantity("0.5")
	e.prime(l)
	e.assets.balances[l.Outpoint()] = []oracle.Balance{
		{Asset: l.AssetName, Quantity: l.AssetQty, Divisible: true},
	}

	if _, err := e.admitter.Admit(context.Background(), l, steps); err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
}

func TestAdmit_OracleErrorsPassThrough(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	e.prime(l)
	e.chain.tipErr = fmt.Errorf("%w: connection refused", oracle.ErrTransient)

	_, err := e.admitter.Admit(context.Background(), l, steps)
	if !errors.Is(err, oracle.ErrTransient) {
		t.Errorf("Admit() error = %v, want oracle.ErrTransient", err)
	}

	e.chain.tipErr = nil
	e.assets.err = fmt.Errorf("%w: bad credentials", oracle.ErrFatal)
	_, err = e.admitter.Admit(context.Background(), l, steps)
	if !errors.Is(err, oracle.ErrFatal) {
		t.Errorf("Admit() error = %v, want oracle.ErrFatal", err)
	}
}

func TestAdmit_UTXOInUse(t *testing.T) {
	e := setup(t)
	l, steps := testSubmission(1)
	e.prime(l)

	if _, err := e.admitter.Admit(context.Background(), l, steps); err != nil {
		t.Fatalf("first Admit() error: %v", err)
	}

	second, steps2 := testSubmission(1) // same outpoint
	_, err := e.admitter.Admit(context.Background(), second, steps2)
	if !errors.Is(err, listing.ErrUTXOInUse) {
		t.Errorf("second Admit() error = %v, want ErrUTXOInUse", err)
	}
}

func TestAdmit_ConcurrentSameUTXO(t *testing.T) {
	e := setup(t)
	l, _ := testSubmission(1)
	e.prime(l)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, steps := testSubmission(1)
			_, errs[i] = e.admitter.Admit(context.Background(), sub, steps)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, listing.ErrUTXOInUse):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("admissions won = %d, want exactly 1", won)
	}
	if lost != attempts-1 {
		t.Errorf("admissions lost = %d, want %d", lost, attempts-1)
	}
}
