// Package oracle defines the capability contracts for the two external
// truth sources the broker consumes: the Bitcoin node (chain state) and
// the Counterparty indexer (asset bindings). Consumers depend on these
// interfaces; tests inject fakes.
package oracle

import (
	"context"
	"errors"

	"github.com/utxodutch/dutchd/pkg/types"
)

// Failure classes. Every oracle error wraps exactly one of the first two:
// Transient failures (network, timeout, 5xx) are retried on the next tick
// and never alter listing state; Fatal failures (auth, malformed response)
// need operator attention.
var (
	ErrTransient = errors.New("oracle transient failure")
	ErrFatal     = errors.New("oracle fatal failure")

	// ErrUTXOMissing means the output does not exist or is already spent.
	ErrUTXOMissing = errors.New("utxo missing or spent")
	// ErrSpendNotFound means no confirmed transaction spending the
	// output could be located in the scanned range.
	ErrSpendNotFound = errors.New("spending transaction not found")
)

// TxOut describes a live unspent output as reported by the node.
type TxOut struct {
	Value         uint64 // satoshis
	Confirmations int64
	Address       string // first address of the scriptPubKey, may be empty
}

// TxOutput is one output of a spending transaction.
type TxOutput struct {
	Value   uint64 // satoshis
	Address string // empty for OP_RETURN and nonstandard scripts
}

// Spend describes the confirmed transaction that consumed a watched UTXO.
type Spend struct {
	TxID    string
	Block   uint64
	Outputs []TxOutput
	Inputs  []types.Outpoint
}

// Balance is one asset attached to a UTXO according to the indexer.
type Balance struct {
	Asset     string
	Quantity  types.Quantity
	Divisible bool
}

// Chain is the Bitcoin-node capability set the broker depends on.
type Chain interface {
	// Tip returns the current best-chain height.
	Tip(ctx context.Context) (uint64, error)
	// UTXO returns the output if it exists and is unspent, or an error
	// wrapping ErrUTXOMissing.
	UTXO(ctx context.Context, op types.Outpoint) (*TxOut, error)
	// IsSpent reports whether the output is gone from the UTXO set.
	IsSpent(ctx context.Context, op types.Outpoint) (bool, error)
	// SpendingTx locates the confirmed transaction that consumed the
	// output, scanning blocks from sinceBlock to the tip. Returns an
	// error wrapping ErrSpendNotFound when no spender is located.
	SpendingTx(ctx context.Context, op types.Outpoint, sinceBlock uint64) (*Spend, error)
}

// Assets is the Counterparty-indexer capability set. Balances must return
// the full set bound to the output so admission can reject multi-asset
// UTXOs.
type Assets interface {
	Balances(ctx context.Context, op types.Outpoint) ([]Balance, error)
}
