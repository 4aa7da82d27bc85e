package payment

import (
	"context"
	"fmt"
	"time"

	"trustmesh/ledger"
)

// VerifyResult is the outcome of an authorization check.
type VerifyResult struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

// Facilitator is the stateless helper that verifies payment authorizations
// and settles the transfers behind them. It holds no balances and records
// nothing; every call stands alone.
type Facilitator struct {
	submitter   ledger.TransferSubmitter
	broadcaster Broadcaster
	nowFn       func() time.Time
}

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithBroadcaster enables EVM stablecoin settlement.
func WithBroadcaster(b Broadcaster) FacilitatorOption {
	return func(f *Facilitator) { f.broadcaster = b }
}

// WithNowFunc overrides the wall clock, for deadline tests.
func WithNowFunc(now func() time.Time) FacilitatorOption {
	return func(f *Facilitator) {
		if now != nil {
			f.nowFn = now
		}
	}
}

// NewFacilitator builds a facilitator settling native transfers through the
// supplied submitter.
func NewFacilitator(submitter ledger.TransferSubmitter, opts ...FacilitatorOption) *Facilitator {
	facilitator := &Facilitator{
		submitter: submitter,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(facilitator)
		}
	}
	return facilitator
}

// Verify checks an authorization against the requirements: scheme and network
// must match, the recipient and exact amount must agree, the deadline must be
// in the future, and the EVM scheme must carry a valid payer signature.
func (f *Facilitator) Verify(auth *Authorization, req *Requirements) VerifyResult {
	if auth == nil || req == nil {
		return VerifyResult{Reason: "authorization and requirements required"}
	}
	if auth.Scheme != req.Scheme {
		return VerifyResult{Reason: fmt.Sprintf("scheme mismatch: %q != %q", auth.Scheme, req.Scheme)}
	}
	if auth.Network != req.Network {
		return VerifyResult{Reason: fmt.Sprintf("network mismatch: %q != %q", auth.Network, req.Network)}
	}
	details := auth.Payload.Authorization
	if details.To != req.PayTo.String() {
		return VerifyResult{Reason: fmt.Sprintf("recipient %q does not match payTo %s", details.To, req.PayTo)}
	}
	if !SameAmount(details.Value, req.MaxAmountRequired) {
		return VerifyResult{Reason: fmt.Sprintf("value %q does not match required amount %q", details.Value, req.MaxAmountRequired)}
	}
	if details.ValidBefore <= f.nowFn().Unix() {
		return VerifyResult{Reason: "authorization expired"}
	}
	if !req.NativeAsset() {
		if auth.Payload.Signature == "" {
			return VerifyResult{Reason: "stablecoin authorization must be pre-signed"}
		}
		if err := VerifyEVMSignature(*auth); err != nil {
			return VerifyResult{Reason: err.Error()}
		}
	}
	return VerifyResult{IsValid: true}
}

// Settle executes the transfer for a verified authorization and returns the
// resulting receipt. Submission failures yield an unsuccessful receipt, not
// an error.
func (f *Facilitator) Settle(ctx context.Context, auth *Authorization, req *Requirements) Receipt {
	if auth == nil || req == nil {
		return Receipt{Success: false, Error: "authorization and requirements required"}
	}
	if result := f.Verify(auth, req); !result.IsValid {
		return Receipt{Success: false, Network: auth.Network, Error: result.Reason}
	}
	if req.NativeAsset() {
		if f.submitter == nil {
			return Receipt{Success: false, Network: auth.Network, Error: "no transfer submitter configured"}
		}
		payer, err := ledger.ParseAccountID(auth.Payload.Authorization.From)
		if err != nil {
			return Receipt{Success: false, Network: auth.Network, Error: err.Error()}
		}
		wallet := &NativeWallet{account: payer, submitter: f.submitter}
		txID, err := wallet.SubmitTransfer(ctx, *auth)
		if err != nil {
			return Receipt{Success: false, Network: auth.Network, Error: err.Error()}
		}
		return Receipt{Success: true, TransactionID: txID, Network: auth.Network}
	}
	if f.broadcaster == nil {
		return Receipt{Success: false, Network: auth.Network, Error: "no broadcaster configured"}
	}
	txID, err := f.broadcaster.Broadcast(ctx, *auth)
	if err != nil {
		return Receipt{Success: false, Network: auth.Network, Error: err.Error()}
	}
	return Receipt{Success: true, TransactionID: txID, Network: auth.Network}
}
