// Package types defines core primitive types for the dutchd broker.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// TxIDHexLen is the length of a transaction id in hex characters.
const TxIDHexLen = 64

// Outpoint references a specific output of a Bitcoin transaction.
// The txid is kept in its display form (64 lowercase hex characters)
// because every interface the broker talks to — node RPC, the
// Counterparty indexer, and its own API — exchanges txids as hex.
type Outpoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// NewOutpoint validates and normalizes a txid/vout pair.
func NewOutpoint(txid string, vout uint32) (Outpoint, error) {
	norm, err := NormalizeTxID(txid)
	if err != nil {
		return Outpoint{}, err
	}
	return Outpoint{TxID: norm, Vout: vout}, nil
}

// ParseOutpoint parses the "txid:vout" form used in CLI arguments and
// store keys.
func ParseOutpoint(s string) (Outpoint, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return Outpoint{}, fmt.Errorf("outpoint %q: missing ':'", s)
	}
	vout, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("outpoint %q: bad vout: %w", s, err)
	}
	return NewOutpoint(s[:idx], uint32(vout))
}

// NormalizeTxID lowercases a txid and verifies it is 64 hex characters.
func NormalizeTxID(txid string) (string, error) {
	if len(txid) != TxIDHexLen {
		return "", fmt.Errorf("txid must be %d hex chars, got %d", TxIDHexLen, len(txid))
	}
	norm := strings.ToLower(txid)
	for i := 0; i < len(norm); i++ {
		c := norm[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("txid contains non-hex character %q", c)
		}
	}
	return norm, nil
}

// IsZero returns true for the zero-value outpoint.
func (o Outpoint) IsZero() bool {
	return o.TxID == "" && o.Vout == 0
}

// String returns "txid:vout".
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}
