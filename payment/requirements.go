// Package payment implements the x402 payment gate: machine-readable payment
// requirements served with a 402 challenge, transfer authorizations carried in
// the X-PAYMENT header, wallets for the native and EVM stablecoin schemes, and
// the stateless facilitator that verifies and settles authorizations.
package payment

import (
	"fmt"
	"math/big"
	"strings"

	"trustmesh/ledger"
)

// SchemeExact is the single supported payment scheme: one signed transfer of
// an exact amount.
const SchemeExact = "exact"

// AssetNative marks the ledger-native asset in requirements; anything else is
// treated as an EVM stablecoin identifier.
const AssetNative = "native"

// Requirements is the machine-readable payment challenge returned with a 402.
// MaxAmountRequired is an integer amount in the asset's smallest unit,
// rendered as a string and compared as a string.
type Requirements struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	Asset             string           `json:"asset"`
	PayTo             ledger.AccountID `json:"payTo"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description"`
	MimeType          string           `json:"mimeType"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
}

// Validate checks the requirements shape.
func (r *Requirements) Validate() error {
	if r == nil {
		return fmt.Errorf("payment requirements required")
	}
	if r.Scheme != SchemeExact {
		return fmt.Errorf("unsupported scheme %q", r.Scheme)
	}
	if strings.TrimSpace(r.Network) == "" {
		return fmt.Errorf("network required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payTo required")
	}
	if _, err := ParseAmount(r.MaxAmountRequired); err != nil {
		return fmt.Errorf("maxAmountRequired: %w", err)
	}
	if r.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("maxTimeoutSeconds must be positive")
	}
	return nil
}

// NativeAsset reports whether the requirements settle in the native asset.
func (r *Requirements) NativeAsset() bool {
	asset := strings.TrimSpace(strings.ToLower(r.Asset))
	return asset == "" || asset == AssetNative
}

// ParseAmount parses a smallest-unit integer amount string. Amounts never
// pass through floats.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must be nonnegative", raw)
	}
	return value, nil
}

// SameAmount compares two smallest-unit amount strings by exact canonical
// string equality.
func SameAmount(a, b string) bool {
	left, err := ParseAmount(a)
	if err != nil {
		return false
	}
	right, err := ParseAmount(b)
	if err != nil {
		return false
	}
	return left.String() == right.String()
}
