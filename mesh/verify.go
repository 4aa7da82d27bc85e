package mesh

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"trustmesh/ledger"
	"trustmesh/observability"
	"trustmesh/payment"
)

const verifyTimeout = 60 * time.Second

// Verifier checks settled receipts against the ledger mirror. It never
// returns an error: any inability to confirm the payment reads as false.
type Verifier struct {
	mirror ledger.MirrorClient
	logger *slog.Logger
}

// NewVerifier constructs a receipt verifier over the mirror client.
func NewVerifier(mirror ledger.MirrorClient, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{mirror: mirror, logger: logger}
}

// VerifyPaymentReceipt implements ReceiptVerifier. The transaction must exist
// on the mirror with a SUCCESS result and carry a transfer entry crediting
// exactly the expected amount to the expected recipient. Amounts compare as
// canonical integer strings, never as floats.
func (v *Verifier) VerifyPaymentReceipt(ctx context.Context, transactionID, expectedAmount string, expectedRecipient ledger.AccountID) bool {
	if v == nil || v.mirror == nil {
		return false
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" || expectedRecipient == "" {
		return false
	}
	expected, err := payment.ParseAmount(expectedAmount)
	if err != nil {
		v.logger.Warn("receipt amount unparseable", "transactionId", transactionID, "amount", expectedAmount)
		observability.Mesh().RecordVerification("invalid_amount")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	record, err := v.mirror.TransactionByID(ctx, transactionID)
	if err != nil {
		v.logger.Warn("receipt lookup failed", "transactionId", transactionID, "error", err)
		observability.Mesh().RecordVerification("lookup_failed")
		return false
	}
	if record.Result != ledger.ResultSuccess {
		v.logger.Warn("receipt transaction not successful", "transactionId", transactionID, "result", record.Result)
		observability.Mesh().RecordVerification("not_success")
		return false
	}
	for _, transfer := range record.Transfers {
		if transfer.Account == expectedRecipient && transfer.AmountString() == expected.String() {
			observability.Mesh().RecordVerification("ok")
			return true
		}
	}
	v.logger.Warn("receipt transfer mismatch",
		"transactionId", transactionID,
		"expectedRecipient", expectedRecipient.String(),
		"expectedAmount", expected.String())
	observability.Mesh().RecordVerification("mismatch")
	return false
}
