package payment

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"trustmesh/ledger"
)

// Wallet abstracts signing and settlement so the native-ledger and EVM
// stablecoin schemes share one payment loop. Exactly two operations exist:
// sign an authorization and submit the transfer behind it.
type Wallet interface {
	// SignAuthorization returns a signed copy of the authorization. The
	// native scheme signs implicitly at submission time and returns the
	// authorization unchanged.
	SignAuthorization(ctx context.Context, auth Authorization) (Authorization, error)
	// SubmitTransfer executes the transfer the authorization describes and
	// returns the ledger-native transaction id.
	SubmitTransfer(ctx context.Context, auth Authorization) (string, error)
}

// NativeWallet settles in the ledger-native asset through a transfer
// submitter. Authorization signatures are implicit.
type NativeWallet struct {
	account   ledger.AccountID
	submitter ledger.TransferSubmitter
}

// NewNativeWallet binds a wallet to the payer account and submitter.
func NewNativeWallet(account ledger.AccountID, submitter ledger.TransferSubmitter) (*NativeWallet, error) {
	if account == "" {
		return nil, fmt.Errorf("wallet account required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("transfer submitter required")
	}
	return &NativeWallet{account: account, submitter: submitter}, nil
}

// SignAuthorization implements Wallet. Native transfers carry no detached
// signature; the submitted transfer itself is signed by the ledger SDK.
func (w *NativeWallet) SignAuthorization(ctx context.Context, auth Authorization) (Authorization, error) {
	if auth.Payload.Authorization.From != w.account.String() {
		return Authorization{}, fmt.Errorf("authorization payer %q does not match wallet account %s", auth.Payload.Authorization.From, w.account)
	}
	return auth, nil
}

// SubmitTransfer implements Wallet.
func (w *NativeWallet) SubmitTransfer(ctx context.Context, auth Authorization) (string, error) {
	details := auth.Payload.Authorization
	to, err := ledger.ParseAccountID(details.To)
	if err != nil {
		return "", fmt.Errorf("authorization recipient: %w", err)
	}
	amount, err := strconv.ParseInt(details.Value, 10, 64)
	if err != nil {
		return "", fmt.Errorf("authorization value %q: %w", details.Value, err)
	}
	if amount <= 0 {
		return "", fmt.Errorf("authorization value must be positive")
	}
	return w.submitter.SubmitTransfer(ctx, ledger.TransferRequest{
		From:   w.account,
		To:     to,
		Amount: amount,
		Memo:   "x402 exact payment",
	})
}

// Broadcaster pushes a pre-signed EVM transfer authorization on chain.
type Broadcaster interface {
	Broadcast(ctx context.Context, auth Authorization) (string, error)
}

// EVMWallet pre-signs stablecoin transfer authorizations with a secp256k1 key
// and settles by broadcasting them.
type EVMWallet struct {
	key         *ecdsa.PrivateKey
	address     common.Address
	broadcaster Broadcaster
}

// NewEVMWallet builds a wallet from a hex-encoded private key.
func NewEVMWallet(privateKeyHex string, broadcaster Broadcaster) (*EVMWallet, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse evm key: %w", err)
	}
	return &EVMWallet{
		key:         key,
		address:     ethcrypto.PubkeyToAddress(key.PublicKey),
		broadcaster: broadcaster,
	}, nil
}

// Address returns the wallet's payer address.
func (w *EVMWallet) Address() common.Address { return w.address }

// SignAuthorization implements Wallet: the transfer authorization digest is
// signed up front so the facilitator can verify it without the key.
func (w *EVMWallet) SignAuthorization(ctx context.Context, auth Authorization) (Authorization, error) {
	if !strings.EqualFold(auth.Payload.Authorization.From, w.address.Hex()) {
		return Authorization{}, fmt.Errorf("authorization payer %q does not match wallet address %s", auth.Payload.Authorization.From, w.address.Hex())
	}
	digest := authorizationDigest(auth)
	signature, err := ethcrypto.Sign(digest, w.key)
	if err != nil {
		return Authorization{}, fmt.Errorf("sign authorization: %w", err)
	}
	auth.Payload.Signature = hex.EncodeToString(signature)
	return auth, nil
}

// SubmitTransfer implements Wallet by broadcasting the signed authorization.
func (w *EVMWallet) SubmitTransfer(ctx context.Context, auth Authorization) (string, error) {
	if w.broadcaster == nil {
		return "", fmt.Errorf("no broadcaster configured for evm settlement")
	}
	if auth.Payload.Signature == "" {
		return "", fmt.Errorf("authorization not signed")
	}
	return w.broadcaster.Broadcast(ctx, auth)
}

// VerifyEVMSignature recovers the signer of the authorization digest and
// checks it against the declared payer address.
func VerifyEVMSignature(auth Authorization) error {
	signature, err := hex.DecodeString(strings.TrimPrefix(auth.Payload.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	digest := authorizationDigest(auth)
	pubKey, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if !strings.EqualFold(recovered.Hex(), auth.Payload.Authorization.From) {
		return fmt.Errorf("signature by %s does not match payer %s", recovered.Hex(), auth.Payload.Authorization.From)
	}
	return nil
}

// authorizationDigest derives the canonical signing digest for an
// authorization. Every field that verification depends on is bound into it.
func authorizationDigest(auth Authorization) []byte {
	details := auth.Payload.Authorization
	canonical := strings.Join([]string{
		"x402",
		auth.Scheme,
		auth.Network,
		strings.ToLower(details.From),
		strings.ToLower(details.To),
		details.Value,
		strconv.FormatInt(details.ValidBefore, 10),
	}, "|")
	return ethcrypto.Keccak256([]byte(canonical))
}
