// Package counterparty implements the broker's asset oracle against the
// Counterparty Core REST API.
package counterparty

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/utxodutch/dutchd/internal/oracle"
	"github.com/utxodutch/dutchd/pkg/types"
)

// Client queries a Counterparty Core node for UTXO asset balances.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given API base URL, for example
// "http://127.0.0.1:4000".
func New(baseURL string) *Client {
	return NewWithTimeout(baseURL, 10*time.Second)
}

// NewWithTimeout creates a client with a custom HTTP timeout.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// assetInfo is the verbose metadata attached to each balance entry.
type assetInfo struct {
	Divisible bool `json:"divisible"`
}

// balanceEntry is one element of the /v2/utxos/{utxo}/balances result.
// Quantity is raw sub-units; QuantityNormalized is the human decimal the
// API derives for divisible assets.
type balanceEntry struct {
	Asset              string         `json:"asset"`
	Quantity           uint64         `json:"quantity"`
	QuantityNormalized types.Quantity `json:"quantity_normalized"`
	AssetInfo          assetInfo      `json:"asset_info"`
}

// balancesResponse is the API envelope.
type balancesResponse struct {
	Result []balanceEntry `json:"result"`
	Error  string         `json:"error"`
}

// Balances returns every asset bound to the outpoint. Divisible assets
// report their normalized decimal quantity, indivisible assets their raw
// unit count, so both compare directly against a listing's asset_qty.
func (c *Client) Balances(ctx context.Context, op types.Outpoint) ([]oracle.Balance, error) {
	url := fmt.Sprintf("%s/v2/utxos/%s/balances?verbose=true", c.baseURL, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", oracle.ErrFatal, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: utxo balances: %v", oracle.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		class := oracle.ErrFatal
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			class = oracle.ErrTransient
		}
		return nil, fmt.Errorf("%w: utxo balances: status %d: %s", class, resp.StatusCode, body)
	}

	var envelope balancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: utxo balances: decode response: %v", oracle.ErrFatal, err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("%w: utxo balances: %s", oracle.ErrFatal, envelope.Error)
	}

	balances := make([]oracle.Balance, 0, len(envelope.Result))
	for _, entry := range envelope.Result {
		qty := entry.QuantityNormalized
		if !entry.AssetInfo.Divisible {
			qty, err = types.WholeQuantity(entry.Quantity)
			if err != nil {
				return nil, fmt.Errorf("%w: asset %s: %v", oracle.ErrFatal, entry.Asset, err)
			}
		}
		balances = append(balances, oracle.Balance{
			Asset:     entry.Asset,
			Quantity:  qty,
			Divisible: entry.AssetInfo.Divisible,
		})
	}
	return balances, nil
}
