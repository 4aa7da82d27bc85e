// Package ledger defines the thin seam between the mesh and the public
// distributed ledger: account identifiers, the mirror-node read view used for
// receipt verification, transfer submission and consensus-topic appends. Only
// the interfaces are owned here; signing and consensus belong to the external
// SDK behind them.
package ledger

import (
	"context"
	"errors"
	"strconv"
)

// ResultSuccess is the mirror-node result string for a finalized, successful
// transaction.
const ResultSuccess = "SUCCESS"

// ErrTransactionNotFound indicates the mirror node has no record of the
// requested transaction id.
var ErrTransactionNotFound = errors.New("ledger: transaction not found")

// TransferEntry is a single debit or credit inside a transaction record.
// Amount is in the smallest unit and may be negative for debits.
type TransferEntry struct {
	Account AccountID `json:"account"`
	Amount  int64     `json:"amount"`
}

// AmountString renders the transfer amount as its canonical integer string.
// Receipt verification compares these strings, never parsed floats.
func (t TransferEntry) AmountString() string {
	return strconv.FormatInt(t.Amount, 10)
}

// TransactionRecord is the mirror-node view of a submitted transaction.
type TransactionRecord struct {
	TransactionID      string          `json:"transaction_id"`
	Result             string          `json:"result"`
	ConsensusTimestamp string          `json:"consensus_timestamp"`
	Transfers          []TransferEntry `json:"transfers"`
}

// MirrorClient reads finalized transactions from a mirror node.
type MirrorClient interface {
	// TransactionByID fetches the record for a ledger-native transaction id.
	// Returns ErrTransactionNotFound when the mirror has no such record.
	TransactionByID(ctx context.Context, id string) (*TransactionRecord, error)
}

// TransferRequest describes a native transfer to submit.
type TransferRequest struct {
	From   AccountID
	To     AccountID
	Amount int64
	Memo   string
}

// TransferSubmitter signs and submits native transfers. Implementations wrap
// the ledger SDK; the facilitator is their only caller.
type TransferSubmitter interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (transactionID string, err error)
}

// TopicPublisher appends a single message to an append-only consensus topic.
type TopicPublisher interface {
	SubmitMessage(ctx context.Context, topicID string, payload []byte) error
}
