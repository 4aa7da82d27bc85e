// Package trust computes bounded reputation scores from ledger analytics. The
// engine is a pure function of its inputs: no I/O, no randomness, and the
// reference clock is the newest timestamp seen in the data.
package trust

import (
	"trustmesh/ledger"
)

// Severity grades a risk flag.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Risk flag types emitted by the engine.
const (
	FlagRapidOutflow            = "rapid_outflow"
	FlagNewAccountLargeTransfer = "new_account_large_transfer"
	FlagMaliciousInteraction    = "malicious_interaction"
)

// Components is the per-component breakdown of a trust score.
type Components struct {
	AccountAge  int `json:"accountAge"`
	Diversity   int `json:"diversity"`
	Volatility  int `json:"volatility"`
	TokenHealth int `json:"tokenHealth"`
	HCSQuality  int `json:"hcsQuality"`
	RiskPenalty int `json:"riskPenalty"`
}

// RiskFlag records one detected risk condition.
type RiskFlag struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	DetectedAt  int64    `json:"detectedAt"`
}

// Score is the full trust score payload served to buyers. Timestamp is the
// computation time in epoch milliseconds. Partial names the components whose
// inputs were unavailable; they contribute zero. Stale is set when any input
// came from an expired cache entry.
type Score struct {
	Account    ledger.AccountID `json:"account"`
	Score      int              `json:"score"`
	Components Components       `json:"components"`
	RiskFlags  []RiskFlag       `json:"riskFlags"`
	Timestamp  int64            `json:"timestamp"`
	Stale      bool             `json:"stale,omitempty"`
	Partial    []string         `json:"partial,omitempty"`
}

// Config carries the externally-populated topic and counterparty sets. The
// engine treats membership as opaque configuration.
type Config struct {
	TrustedTopics     []string
	SuspiciousTopics  []string
	MaliciousAccounts []ledger.AccountID
}

// Component names used in the Partial list.
const (
	ComponentAccountAge  = "accountAge"
	ComponentDiversity   = "diversity"
	ComponentVolatility  = "volatility"
	ComponentTokenHealth = "tokenHealth"
	ComponentHCSQuality  = "hcsQuality"
)
