// Package ledgertest provides in-memory ledger doubles used across the test
// suites: transfers submit instantly, records are immediately visible through
// the mirror view, and topic messages accumulate in submission order.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"trustmesh/ledger"
)

// Fake is an in-memory ledger implementing MirrorClient, TransferSubmitter and
// TopicPublisher. Safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	seq      int
	records  map[string]*ledger.TransactionRecord
	topics   map[string][][]byte
	FailNext error
}

// New constructs an empty fake ledger.
func New() *Fake {
	return &Fake{
		records: make(map[string]*ledger.TransactionRecord),
		topics:  make(map[string][][]byte),
	}
}

// SubmitTransfer implements ledger.TransferSubmitter. The resulting record is
// visible through TransactionByID with a SUCCESS result.
func (f *Fake) SubmitTransfer(ctx context.Context, req ledger.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("%s@%d.%09d", req.From, 1700000000+f.seq, f.seq)
	f.records[id] = &ledger.TransactionRecord{
		TransactionID:      id,
		Result:             ledger.ResultSuccess,
		ConsensusTimestamp: fmt.Sprintf("%d.%09d", 1700000000+f.seq, f.seq),
		Transfers: []ledger.TransferEntry{
			{Account: req.From, Amount: -req.Amount},
			{Account: req.To, Amount: req.Amount},
		},
	}
	return id, nil
}

// Put installs a transaction record directly, for mismatch scenarios.
func (f *Fake) Put(record *ledger.TransactionRecord) {
	if record == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.TransactionID] = record
}

// TransactionByID implements ledger.MirrorClient.
func (f *Fake) TransactionByID(ctx context.Context, id string) (*ledger.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	clone := *record
	clone.Transfers = append([]ledger.TransferEntry{}, record.Transfers...)
	return &clone, nil
}

// SubmitMessage implements ledger.TopicPublisher.
func (f *Fake) SubmitMessage(ctx context.Context, topicID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return err
	}
	f.topics[topicID] = append(f.topics[topicID], append([]byte{}, payload...))
	return nil
}

// TopicMessages returns the messages appended to a topic, in order.
func (f *Fake) TopicMessages(topicID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.topics[topicID]))
	for i, msg := range f.topics[topicID] {
		out[i] = append([]byte{}, msg...)
	}
	return out
}
