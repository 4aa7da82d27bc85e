package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trustmesh/ledger"
	"trustmesh/ledger/ledgertest"
)

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

func sampleRequirements() Requirements {
	return Requirements{
		Scheme:            SchemeExact,
		Network:           "ledger-mainnet",
		Asset:             AssetNative,
		PayTo:             "0.0.9",
		MaxAmountRequired: "30000",
		Resource:          "/trustscore/0.0.2",
		Description:       "trust score for account 0.0.2",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 300,
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"30000", "30000", true},
		{" 30000 ", "30000", true},
		{"000123", "123", true},
		{"0", "0", true},
		{"", "", false},
		{"-1", "", false},
		{"1.5", "", false},
		{"1e3", "", false},
		{"0x10", "", false},
	}
	for _, tc := range cases {
		value, err := ParseAmount(tc.raw)
		if tc.ok != (err == nil) {
			t.Errorf("parse %q: err=%v, want ok=%v", tc.raw, err, tc.ok)
			continue
		}
		if tc.ok && value.String() != tc.want {
			t.Errorf("parse %q: got %s, want %s", tc.raw, value, tc.want)
		}
	}
}

func TestSameAmountCanonical(t *testing.T) {
	if !SameAmount("30000", "030000") {
		t.Fatal("leading zeros broke canonical equality")
	}
	if !SameAmount(" 30000", "30000 ") {
		t.Fatal("surrounding whitespace broke canonical equality")
	}
	if SameAmount("30000", "29999") {
		t.Fatal("distinct amounts compared equal")
	}
	if SameAmount("30000", "not-a-number") {
		t.Fatal("unparseable amount compared equal")
	}
}

func TestRequirementsValidate(t *testing.T) {
	valid := sampleRequirements()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid requirements rejected: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*Requirements)
	}{
		{"bad scheme", func(r *Requirements) { r.Scheme = "streaming" }},
		{"empty network", func(r *Requirements) { r.Network = "  " }},
		{"missing payTo", func(r *Requirements) { r.PayTo = "" }},
		{"bad amount", func(r *Requirements) { r.MaxAmountRequired = "lots" }},
		{"zero timeout", func(r *Requirements) { r.MaxTimeoutSeconds = 0 }},
	}
	for _, tc := range mutations {
		req := sampleRequirements()
		tc.mutate(&req)
		if err := req.Validate(); err == nil {
			t.Errorf("%s: invalid requirements accepted", tc.name)
		}
	}
}

func TestProofHeaderRoundtrip(t *testing.T) {
	req := sampleRequirements()
	proof := Proof{
		Authorization: NewAuthorization("0.0.7", req, testNow),
		Receipt:       Receipt{Success: true, TransactionID: "0.0.7@1.2", Network: req.Network},
	}
	header, err := EncodeHeader(proof)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeHeader(header)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Receipt.TransactionID != "0.0.7@1.2" {
		t.Fatalf("transaction id %q", decoded.Receipt.TransactionID)
	}
	if decoded.Authorization.Payload.Authorization.ValidBefore != testNow.Unix()+300 {
		t.Fatalf("deadline %d, want now+300s", decoded.Authorization.Payload.Authorization.ValidBefore)
	}

	for _, raw := range []string{"", "   ", "%%%not-base64%%%", "bm90IGpzb24="} {
		if _, err := DecodeHeader(raw); err == nil {
			t.Errorf("header %q decoded without error", raw)
		}
	}
}

func TestFacilitatorVerifyMatrix(t *testing.T) {
	facilitator := NewFacilitator(ledgertest.New(), WithNowFunc(fixedClock))
	req := sampleRequirements()

	good := NewAuthorization("0.0.7", req, testNow)
	if result := facilitator.Verify(&good, &req); !result.IsValid {
		t.Fatalf("valid authorization rejected: %s", result.Reason)
	}

	cases := []struct {
		name   string
		mutate func(*Authorization)
		reason string
	}{
		{"scheme mismatch", func(a *Authorization) { a.Scheme = "streaming" }, "scheme"},
		{"network mismatch", func(a *Authorization) { a.Network = "ledger-testnet" }, "network"},
		{"wrong recipient", func(a *Authorization) { a.Payload.Authorization.To = "0.0.13" }, "recipient"},
		{"short amount", func(a *Authorization) { a.Payload.Authorization.Value = "29999" }, "value"},
		{"expired", func(a *Authorization) { a.Payload.Authorization.ValidBefore = testNow.Unix() }, "expired"},
	}
	for _, tc := range cases {
		auth := NewAuthorization("0.0.7", req, testNow)
		tc.mutate(&auth)
		result := facilitator.Verify(&auth, &req)
		if result.IsValid {
			t.Errorf("%s: authorization accepted", tc.name)
			continue
		}
		if !strings.Contains(result.Reason, tc.reason) {
			t.Errorf("%s: reason %q does not mention %q", tc.name, result.Reason, tc.reason)
		}
	}

	// Leading zeros in the authorized value still satisfy the exact amount.
	padded := NewAuthorization("0.0.7", req, testNow)
	padded.Payload.Authorization.Value = "030000"
	if result := facilitator.Verify(&padded, &req); !result.IsValid {
		t.Fatalf("zero-padded amount rejected: %s", result.Reason)
	}
}

func TestFacilitatorSettleNative(t *testing.T) {
	fake := ledgertest.New()
	facilitator := NewFacilitator(fake, WithNowFunc(fixedClock))
	req := sampleRequirements()
	auth := NewAuthorization("0.0.7", req, testNow)

	receipt := facilitator.Settle(context.Background(), &auth, &req)
	if !receipt.Success {
		t.Fatalf("settlement failed: %s", receipt.Error)
	}
	if receipt.TransactionID == "" || receipt.Network != req.Network {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	record, err := fake.TransactionByID(context.Background(), receipt.TransactionID)
	if err != nil {
		t.Fatalf("settled transfer not on the ledger: %v", err)
	}
	var credited bool
	for _, entry := range record.Transfers {
		if entry.Account == req.PayTo && entry.AmountString() == "30000" {
			credited = true
		}
	}
	if !credited {
		t.Fatalf("recipient not credited: %+v", record.Transfers)
	}
}

func TestFacilitatorSettleFailures(t *testing.T) {
	fake := ledgertest.New()
	facilitator := NewFacilitator(fake, WithNowFunc(fixedClock))
	req := sampleRequirements()

	// An authorization that fails verification never reaches the ledger.
	short := NewAuthorization("0.0.7", req, testNow)
	short.Payload.Authorization.Value = "29999"
	if receipt := facilitator.Settle(context.Background(), &short, &req); receipt.Success {
		t.Fatal("mismatched amount settled")
	}

	// A malformed payer account fails before submission.
	badPayer := NewAuthorization("not-an-account", req, testNow)
	if receipt := facilitator.Settle(context.Background(), &badPayer, &req); receipt.Success {
		t.Fatal("malformed payer settled")
	}

	// Submission failures surface in the receipt, not as an error.
	fake.FailNext = errors.New("node unreachable")
	auth := NewAuthorization("0.0.7", req, testNow)
	receipt := facilitator.Settle(context.Background(), &auth, &req)
	if receipt.Success || receipt.Error == "" {
		t.Fatalf("expected failed receipt, got %+v", receipt)
	}
}

func TestNativeWalletSignAndSubmit(t *testing.T) {
	fake := ledgertest.New()
	wallet, err := NewNativeWallet("0.0.7", fake)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	req := sampleRequirements()

	auth := NewAuthorization("0.0.7", req, testNow)
	signed, err := wallet.SignAuthorization(context.Background(), auth)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	txID, err := wallet.SubmitTransfer(context.Background(), signed)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if txID == "" {
		t.Fatal("empty transaction id")
	}

	foreign := NewAuthorization("0.0.8", req, testNow)
	if _, err := wallet.SignAuthorization(context.Background(), foreign); err == nil {
		t.Fatal("wallet signed for a foreign payer")
	}
}

type stubBroadcaster struct {
	lastAuth Authorization
	err      error
}

func (b *stubBroadcaster) Broadcast(ctx context.Context, auth Authorization) (string, error) {
	b.lastAuth = auth
	if b.err != nil {
		return "", b.err
	}
	return "0xbroadcast", nil
}

func TestEVMWalletSignatureRoundtrip(t *testing.T) {
	const keyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	broadcaster := &stubBroadcaster{}
	wallet, err := NewEVMWallet(keyHex, broadcaster)
	if err != nil {
		t.Fatalf("new evm wallet: %v", err)
	}

	req := sampleRequirements()
	req.Asset = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	req.PayTo = ledger.AccountID("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	auth := NewAuthorization(wallet.Address().Hex(), req, testNow)

	signed, err := wallet.SignAuthorization(context.Background(), auth)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Payload.Signature == "" {
		t.Fatal("signature missing after signing")
	}
	if err := VerifyEVMSignature(signed); err != nil {
		t.Fatalf("verify signature: %v", err)
	}

	// Tampering with any bound field invalidates the signature.
	tampered := signed
	tampered.Payload.Authorization.Value = "60000"
	if err := VerifyEVMSignature(tampered); err == nil {
		t.Fatal("tampered value passed signature verification")
	}

	// A signature claimed by a different payer is rejected.
	claimed := signed
	claimed.Payload.Authorization.From = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	if err := VerifyEVMSignature(claimed); err == nil {
		t.Fatal("foreign payer claim passed signature verification")
	}
}

func TestFacilitatorStablecoinScheme(t *testing.T) {
	const keyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	broadcaster := &stubBroadcaster{}
	wallet, err := NewEVMWallet(keyHex, broadcaster)
	if err != nil {
		t.Fatalf("new evm wallet: %v", err)
	}
	facilitator := NewFacilitator(nil, WithBroadcaster(broadcaster), WithNowFunc(fixedClock))

	req := sampleRequirements()
	req.Asset = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	req.PayTo = ledger.AccountID("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	auth := NewAuthorization(wallet.Address().Hex(), req, testNow)

	// Unsigned stablecoin authorizations never verify.
	if result := facilitator.Verify(&auth, &req); result.IsValid {
		t.Fatal("unsigned stablecoin authorization accepted")
	}

	signed, err := wallet.SignAuthorization(context.Background(), auth)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if result := facilitator.Verify(&signed, &req); !result.IsValid {
		t.Fatalf("signed authorization rejected: %s", result.Reason)
	}

	receipt := facilitator.Settle(context.Background(), &signed, &req)
	if !receipt.Success || receipt.TransactionID != "0xbroadcast" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if broadcaster.lastAuth.Payload.Signature != signed.Payload.Signature {
		t.Fatal("broadcaster did not receive the signed authorization")
	}
}
