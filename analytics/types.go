// Package analytics provides the resilient client for upstream ledger
// analytics: account metadata, transfer history, token holdings and consensus
// topic messages. Calls are retried with exponential backoff, memoized in a
// TTL cache with stale fallback, and guarded by a circuit breaker.
package analytics

import (
	"time"

	"trustmesh/ledger"
)

// AccountInfo is the upstream view of a ledger account.
type AccountInfo struct {
	Account   ledger.AccountID
	CreatedAt time.Time
	Balance   int64
}

// Transaction is a single transfer-bearing transaction touching the account.
type Transaction struct {
	TransactionID      string
	ConsensusTimestamp time.Time
	Transfers          []ledger.TransferEntry
}

// TokenBalance is one token holding of the account. Balance ignores decimals;
// token health weighs raw balances only.
type TokenBalance struct {
	TokenID string
	Balance int64
}

// TopicMessage is a consensus-topic message attributed to the account.
type TopicMessage struct {
	TopicID            string
	SequenceNumber     int64
	PayerAccount       ledger.AccountID
	ConsensusTimestamp time.Time
	Contents           []byte
}

// Source names identify the four upstream queries. Bundle.Missing uses them
// to report which inputs could not be assembled.
const (
	SourceAccountInfo   = "accountInfo"
	SourceTransactions  = "transactions"
	SourceTokenBalances = "tokenBalances"
	SourceTopicMessages = "topicMessages"
)

// Bundle aggregates the analytics inputs for one scoring run. Missing lists
// the sources that failed after retries and cache fallback; Stale is set when
// any part was served from an expired cache entry.
type Bundle struct {
	Account       ledger.AccountID
	Info          *AccountInfo
	Transactions  []Transaction
	TokenBalances []TokenBalance
	TopicMessages []TopicMessage
	Missing       []string
	Stale         bool
}
