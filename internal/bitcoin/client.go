// Package bitcoin implements the broker's chain oracle against a Bitcoin
// Core node over JSON-RPC 1.0 with HTTP basic auth.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/utxodutch/dutchd/internal/oracle"
	"github.com/utxodutch/dutchd/pkg/types"
)

// Client is a JSON-RPC 1.0 HTTP client for bitcoind.
type Client struct {
	endpoint string
	user     string
	pass     string
	http     *http.Client
}

// New creates a client targeting the given endpoint URL, for example
// "http://127.0.0.1:8332".
func New(endpoint, user, pass string) *Client {
	return NewWithTimeout(endpoint, user, pass, 10*time.Second)
}

// NewWithTimeout creates a client with a custom HTTP timeout. The timeout
// bounds a single RPC round trip; callers bound whole operations with a
// context.
func NewWithTimeout(endpoint, user, pass string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		user:     user,
		pass:     pass,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// request is a JSON-RPC 1.0 request, the dialect bitcoind speaks.
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// response is a JSON-RPC 1.0 response envelope.
type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when bitcoind responds with an error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("bitcoind rpc error %d: %s", e.Code, e.Message)
}

// call invokes a JSON-RPC method and unmarshals the result into the
// provided pointer. Errors carry an oracle failure class: transport and
// node-side errors wrap oracle.ErrTransient, auth rejections and
// malformed responses wrap oracle.ErrFatal.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(request{
		JSONRPC: "1.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", oracle.ErrFatal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", oracle.ErrFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", oracle.ErrTransient, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s: bitcoind rejected credentials (status %d)", oracle.ErrFatal, method, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %v", oracle.ErrTransient, method, err)
	}

	// bitcoind answers RPC-level errors with status 500 and a JSON body,
	// so parse before judging the status code.
	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s: status %d", oracle.ErrTransient, method, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s: decode response: %v", oracle.ErrFatal, method, err)
	}

	if rpcResp.Error != nil {
		rpcErr := &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		return fmt.Errorf("%w: %s: %w", oracle.ErrTransient, method, rpcErr)
	}

	if result != nil && !isNull(rpcResp.Result) {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", oracle.ErrFatal, method, err)
		}
	}
	return nil
}

// isNull reports whether a raw JSON value is absent or the null literal.
func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// scriptPubKey carries the address forms bitcoind has used across
// versions: a single "address" since 22.0, an "addresses" array before.
type scriptPubKey struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"`
}

func (s scriptPubKey) first() string {
	if s.Address != "" {
		return s.Address
	}
	if len(s.Addresses) > 0 {
		return s.Addresses[0]
	}
	return ""
}

// txOutResult is the non-null shape of a gettxout response. Value is a
// BTC amount with eight decimals, which Quantity parses without float
// round-off.
type txOutResult struct {
	Confirmations int64          `json:"confirmations"`
	Value         types.Quantity `json:"value"`
	ScriptPubKey  scriptPubKey   `json:"scriptPubKey"`
}

type vinResult struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type voutResult struct {
	Value        types.Quantity `json:"value"`
	ScriptPubKey scriptPubKey   `json:"scriptPubKey"`
}

type txResult struct {
	TxID string       `json:"txid"`
	Vin  []vinResult  `json:"vin"`
	Vout []voutResult `json:"vout"`
}

// blockResult is a getblock verbosity-2 response, transactions included.
type blockResult struct {
	Hash   string     `json:"hash"`
	Height uint64     `json:"height"`
	Tx     []txResult `json:"tx"`
}

// Tip returns the current best-chain height.
func (c *Client) Tip(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// UTXO looks up an unspent confirmed output. gettxout is asked to ignore
// the mempool, so an output consumed by an unconfirmed transaction still
// counts as unspent until the spend confirms.
func (c *Client) UTXO(ctx context.Context, op types.Outpoint) (*oracle.TxOut, error) {
	var raw json.RawMessage
	params := []interface{}{op.TxID, op.Vout, false}
	if err := c.call(ctx, "gettxout", params, &raw); err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, fmt.Errorf("%w: %s", oracle.ErrUTXOMissing, op)
	}
	var out txOutResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: gettxout: decode result: %v", oracle.ErrFatal, err)
	}

	addr := out.ScriptPubKey.first()
	if addr == "" {
		// Some script types come back from gettxout without an address.
		// The full decoded transaction usually carries one.
		var tx txResult
		if err := c.call(ctx, "getrawtransaction", []interface{}{op.TxID, true}, &tx); err == nil &&
			int(op.Vout) < len(tx.Vout) {
			addr = tx.Vout[op.Vout].ScriptPubKey.first()
		}
	}

	return &oracle.TxOut{
		Value:         out.Value.Units(),
		Confirmations: out.Confirmations,
		Address:       addr,
	}, nil
}

// IsSpent reports whether the output is gone from the confirmed UTXO set.
func (c *Client) IsSpent(ctx context.Context, op types.Outpoint) (bool, error) {
	var raw json.RawMessage
	params := []interface{}{op.TxID, op.Vout, false}
	if err := c.call(ctx, "gettxout", params, &raw); err != nil {
		return false, err
	}
	return isNull(raw), nil
}

// SpendingTx scans confirmed blocks from sinceBlock to the current tip
// for the transaction that consumed the output. Without txindex this is
// the only way to recover the spender, and the scan window stays small
// because callers pass the listing's start block.
func (c *Client) SpendingTx(ctx context.Context, op types.Outpoint, sinceBlock uint64) (*oracle.Spend, error) {
	tip, err := c.Tip(ctx)
	if err != nil {
		return nil, err
	}
	for height := sinceBlock; height <= tip; height++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", oracle.ErrTransient, err)
		}
		var hash string
		if err := c.call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
			return nil, err
		}
		var block blockResult
		if err := c.call(ctx, "getblock", []interface{}{hash, 2}, &block); err != nil {
			return nil, err
		}
		for _, tx := range block.Tx {
			for _, vin := range tx.Vin {
				if vin.TxID == op.TxID && vin.Vout == op.Vout {
					return toSpend(tx, height), nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %s in blocks %d..%d", oracle.ErrSpendNotFound, op, sinceBlock, tip)
}

// toSpend converts a decoded transaction into the oracle spend shape.
func toSpend(tx txResult, height uint64) *oracle.Spend {
	spend := &oracle.Spend{
		TxID:  tx.TxID,
		Block: height,
	}
	for _, vout := range tx.Vout {
		spend.Outputs = append(spend.Outputs, oracle.TxOutput{
			Value:   vout.Value.Units(),
			Address: vout.ScriptPubKey.first(),
		})
	}
	for _, vin := range tx.Vin {
		if vin.TxID == "" {
			continue // coinbase input
		}
		spend.Inputs = append(spend.Inputs, types.Outpoint{TxID: vin.TxID, Vout: vin.Vout})
	}
	return spend
}
