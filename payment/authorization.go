package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HeaderName is the request header carrying the encoded authorization on the
// paid retry.
const HeaderName = "X-PAYMENT"

// AcceptsPaymentHeader advertises the supported payment protocol on 402
// responses.
const AcceptsPaymentHeader = "x402"

// AuthorizationDetails is the inner transfer authorization. Value is a
// smallest-unit integer string; ValidBefore is an absolute epoch-second
// deadline.
type AuthorizationDetails struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidBefore int64  `json:"validBefore"`
}

// Payload wraps the authorization with its signature. For the native scheme
// the signature is implicit: the facilitator signs the submitted transfer.
// For the EVM stablecoin scheme the authorization is pre-signed by the wallet.
type Payload struct {
	Authorization AuthorizationDetails `json:"authorization"`
	Signature     string               `json:"signature,omitempty"`
}

// Authorization is the full X-PAYMENT payload.
type Authorization struct {
	Version int     `json:"version"`
	Scheme  string  `json:"scheme"`
	Network string  `json:"network"`
	Payload Payload `json:"payload"`
}

// Receipt reports the settlement outcome.
type Receipt struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	Network       string `json:"network"`
	Error         string `json:"error,omitempty"`
}

// NewAuthorization builds an unsigned authorization satisfying the
// requirements for the given payer, valid for the challenge timeout.
func NewAuthorization(from string, req Requirements, now time.Time) Authorization {
	return Authorization{
		Version: 1,
		Scheme:  req.Scheme,
		Network: req.Network,
		Payload: Payload{
			Authorization: AuthorizationDetails{
				From:        from,
				To:          req.PayTo.String(),
				Value:       req.MaxAmountRequired,
				ValidBefore: now.Unix() + int64(req.MaxTimeoutSeconds),
			},
		},
	}
}

// Proof is the opaque receipt payload carried in the X-PAYMENT header on the
// paid retry: the signed authorization together with the settlement receipt
// the facilitator produced for it. The producer re-verifies the receipt
// against the ledger mirror out-of-band.
type Proof struct {
	Authorization Authorization `json:"authorization"`
	Receipt       Receipt       `json:"receipt"`
}

// EncodeHeader serializes the proof for the X-PAYMENT header as
// base64-encoded JSON. The header stays opaque to everything but the
// facilitator and the producer's verifier.
func EncodeHeader(proof Proof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("encode payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader parses an X-PAYMENT header value.
func DecodeHeader(header string) (*Proof, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode payment header: %w", err)
	}
	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("parse payment header: %w", err)
	}
	return &proof, nil
}
