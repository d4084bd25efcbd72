package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// QuantityDecimals is the number of fractional digits a divisible asset
// quantity may carry. Matches the Counterparty protocol's 8-place precision.
const QuantityDecimals = 8

// unitsPerWhole is 10^QuantityDecimals.
const unitsPerWhole = 100_000_000

// Quantity is an asset amount in fixed-point base units (1 unit = 10⁻⁸).
// It is serialized as a decimal string so no precision is lost in JSON.
type Quantity uint64

// WholeQuantity converts an integer number of whole units (indivisible
// asset count) into a Quantity.
func WholeQuantity(n uint64) (Quantity, error) {
	if n > ^uint64(0)/unitsPerWhole {
		return 0, fmt.Errorf("quantity %d overflows", n)
	}
	return Quantity(n * unitsPerWhole), nil
}

// ParseQuantity parses a non-negative decimal with at most 8 fractional
// digits, e.g. "1", "0.5", "21.00000001".
func ParseQuantity(s string) (Quantity, error) {
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("quantity %q: sign not allowed", s)
	}

	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart, fracPart = s[:idx], s[idx+1:]
		if fracPart == "" {
			return 0, fmt.Errorf("quantity %q: trailing decimal point", s)
		}
		if len(fracPart) > QuantityDecimals {
			return 0, fmt.Errorf("quantity %q: more than %d fractional digits", s, QuantityDecimals)
		}
	}
	if intPart == "" {
		intPart = "0"
	}

	whole, err := strconv.ParseUint(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity %q: %w", s, err)
	}
	q, err := WholeQuantity(whole)
	if err != nil {
		return 0, fmt.Errorf("quantity %q: %w", s, err)
	}

	if fracPart != "" {
		// Right-pad to 8 digits so "0.5" parses as 50_000_000 units.
		padded := fracPart + strings.Repeat("0", QuantityDecimals-len(fracPart))
		frac, err := strconv.ParseUint(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("quantity %q: %w", s, err)
		}
		if uint64(q) > ^uint64(0)-frac {
			return 0, fmt.Errorf("quantity %q: overflows", s)
		}
		q += Quantity(frac)
	}
	return q, nil
}

// Units returns the raw base-unit count.
func (q Quantity) Units() uint64 { return uint64(q) }

// IsWhole reports whether the quantity has no fractional component.
// Indivisible assets must be whole.
func (q Quantity) IsWhole() bool { return q%unitsPerWhole == 0 }

// String formats the quantity as a minimal decimal: "1", "0.5",
// "21.00000001". Trailing fractional zeros are trimmed.
func (q Quantity) String() string {
	whole := uint64(q) / unitsPerWhole
	frac := uint64(q) % unitsPerWhole
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	s := fmt.Sprintf("%d.%08d", whole, frac)
	return strings.TrimRight(s, "0")
}

// MarshalJSON encodes the quantity as a decimal string.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON accepts either a decimal string ("1.5") or a bare JSON
// number (1.5); the latter is parsed from its literal token so float
// rounding never enters the picture.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseQuantity(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
