package trust

import (
	"math"
	"sort"
	"time"

	"trustmesh/analytics"
	"trustmesh/ledger"
)

const (
	monthDuration    = 30 * 24 * time.Hour
	volatilityWindow = 30 * 24 * time.Hour

	minScore = 0
	maxScore = 100
)

// Engine scores accounts from analytics bundles. It holds only configuration;
// Compute is safe for concurrent use.
type Engine struct {
	cfg       Config
	trusted   map[string]struct{}
	suspect   map[string]struct{}
	malicious map[ledger.AccountID]struct{}
	nowFn     func() time.Time
}

// NewEngine constructs an engine with the supplied trust configuration.
func NewEngine(cfg Config) *Engine {
	engine := &Engine{
		cfg:       cfg,
		trusted:   make(map[string]struct{}, len(cfg.TrustedTopics)),
		suspect:   make(map[string]struct{}, len(cfg.SuspiciousTopics)),
		malicious: make(map[ledger.AccountID]struct{}, len(cfg.MaliciousAccounts)),
		nowFn:     time.Now,
	}
	for _, topic := range cfg.TrustedTopics {
		engine.trusted[topic] = struct{}{}
	}
	for _, topic := range cfg.SuspiciousTopics {
		engine.suspect[topic] = struct{}{}
	}
	for _, account := range cfg.MaliciousAccounts {
		engine.malicious[account] = struct{}{}
	}
	return engine
}

// SetNowFunc overrides the wall clock used only when the bundle carries no
// timestamps at all.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.nowFn = now
}

// Compute derives the trust score for the bundle's account. Components whose
// inputs are missing contribute zero and are listed in Partial; the final
// score is clamped to [0,100] exactly once, after summation.
func (e *Engine) Compute(bundle *analytics.Bundle) Score {
	if bundle == nil {
		return Score{RiskFlags: []RiskFlag{}, Timestamp: e.nowFn().UnixMilli()}
	}

	// The reference clock is the newest timestamp observed in the inputs so
	// that identical bundles always score identically; the wall clock only
	// backstops an empty bundle.
	now := e.referenceTime(bundle)
	missing := missingComponents(bundle.Missing)

	var components Components
	if !missing[ComponentAccountAge] && bundle.Info != nil {
		components.AccountAge = accountAgeComponent(ageMonths(bundle.Info.CreatedAt, now))
	}
	if !missing[ComponentDiversity] {
		components.Diversity = diversityComponent(uniqueCounterparties(bundle.Account, bundle.Transactions))
	}
	if !missing[ComponentVolatility] {
		components.Volatility = volatilityComponent(bundle.Account, bundle.Transactions, now)
	}
	if !missing[ComponentTokenHealth] {
		components.TokenHealth = tokenHealthComponent(bundle.TokenBalances)
	}
	if !missing[ComponentHCSQuality] {
		components.HCSQuality = e.hcsQualityComponent(bundle.TopicMessages)
	}

	flags := []RiskFlag{}
	if !missing[ComponentDiversity] { // transfer history present
		flags = e.detectRiskFlags(bundle, now)
	}
	penalty := 0
	for _, flag := range flags {
		penalty += flagDeduction(flag.Type)
	}
	if penalty < -20 {
		penalty = -20
	}
	components.RiskPenalty = penalty

	raw := components.AccountAge + components.Diversity + components.Volatility +
		components.TokenHealth + components.HCSQuality + components.RiskPenalty
	score := raw
	if score < minScore {
		score = minScore
	}
	if score > maxScore {
		score = maxScore
	}

	partial := partialList(bundle.Missing)
	return Score{
		Account:    bundle.Account,
		Score:      score,
		Components: components,
		RiskFlags:  flags,
		Timestamp:  now.UnixMilli(),
		Stale:      bundle.Stale,
		Partial:    partial,
	}
}

// referenceTime returns the maximum timestamp present in the bundle, falling
// back to the engine clock when the bundle is empty.
func (e *Engine) referenceTime(bundle *analytics.Bundle) time.Time {
	var max time.Time
	if bundle.Info != nil && bundle.Info.CreatedAt.After(max) {
		max = bundle.Info.CreatedAt
	}
	for _, tx := range bundle.Transactions {
		if tx.ConsensusTimestamp.After(max) {
			max = tx.ConsensusTimestamp
		}
	}
	for _, msg := range bundle.TopicMessages {
		if msg.ConsensusTimestamp.After(max) {
			max = msg.ConsensusTimestamp
		}
	}
	if max.IsZero() {
		return e.nowFn().UTC()
	}
	return max
}

// ageMonths measures account age in 30-day months.
func ageMonths(created, now time.Time) float64 {
	if created.IsZero() || !created.Before(now) {
		return 0
	}
	return float64(now.Sub(created)) / float64(monthDuration)
}

// accountAgeComponent buckets age; boundary values land in the upper bin.
func accountAgeComponent(months float64) int {
	switch {
	case months >= 6:
		return 20
	case months >= 1:
		return 10
	default:
		return 3
	}
}

// uniqueCounterparties counts distinct accounts on the other side of the
// account's transfers.
func uniqueCounterparties(account ledger.AccountID, txs []analytics.Transaction) int {
	seen := make(map[ledger.AccountID]struct{})
	for _, tx := range txs {
		for _, transfer := range tx.Transfers {
			if transfer.Account == account || transfer.Account == "" {
				continue
			}
			seen[transfer.Account] = struct{}{}
		}
	}
	return len(seen)
}

// diversityComponent buckets the counterparty count; boundaries take the
// upper bin.
func diversityComponent(unique int) int {
	switch {
	case unique >= 25:
		return 20
	case unique >= 10:
		return 10
	default:
		return 5
	}
}

// volatilityComponent computes the coefficient of variation over the absolute
// amounts the account moved in the trailing 30 days. Low variation earns the
// full component; an empty window scores the floor.
func volatilityComponent(account ledger.AccountID, txs []analytics.Transaction, now time.Time) int {
	cutoff := now.Add(-volatilityWindow)
	amounts := make([]float64, 0, len(txs))
	for _, tx := range txs {
		if tx.ConsensusTimestamp.Before(cutoff) {
			continue
		}
		if amount, ok := accountDelta(account, tx); ok && amount != 0 {
			amounts = append(amounts, math.Abs(float64(amount)))
		}
	}
	if len(amounts) == 0 {
		return 3
	}
	mean := 0.0
	for _, amount := range amounts {
		mean += amount
	}
	mean /= float64(len(amounts))
	if mean == 0 {
		return 3
	}
	variance := 0.0
	for _, amount := range amounts {
		diff := amount - mean
		variance += diff * diff
	}
	variance /= float64(len(amounts))
	cv := math.Sqrt(variance) / mean
	switch {
	case cv < 0.5:
		return 20
	case cv < 1.5:
		return 10
	default:
		return 3
	}
}

// accountDelta extracts the account's own signed amount from a transaction.
func accountDelta(account ledger.AccountID, tx analytics.Transaction) (int64, bool) {
	for _, transfer := range tx.Transfers {
		if transfer.Account == account {
			return transfer.Amount, true
		}
	}
	return 0, false
}

// tokenHealthComponent rewards diversified token holdings. Weighting uses raw
// balances only; a holding over half the combined balance forfeits the
// component.
func tokenHealthComponent(tokens []analytics.TokenBalance) int {
	var combined int64
	for _, token := range tokens {
		if token.Balance > 0 {
			combined += token.Balance
		}
	}
	if combined <= 0 {
		return 0
	}
	for _, token := range tokens {
		// Overflow-safe form of balance*2 > combined.
		if token.Balance > 0 && token.Balance > combined-token.Balance {
			return 0
		}
	}
	return 10
}

// hcsQualityComponent scores topic participation: trusted topics add, the
// suspicious set subtracts, and presence in both cancels out.
func (e *Engine) hcsQualityComponent(messages []analytics.TopicMessage) int {
	var onTrusted, onSuspicious bool
	for _, msg := range messages {
		if _, ok := e.trusted[msg.TopicID]; ok {
			onTrusted = true
		}
		if _, ok := e.suspect[msg.TopicID]; ok {
			onSuspicious = true
		}
	}
	switch {
	case onTrusted && onSuspicious:
		return 0
	case onTrusted:
		return 10
	case onSuspicious:
		return -10
	default:
		return 0
	}
}

func flagDeduction(flagType string) int {
	switch flagType {
	case FlagRapidOutflow:
		return -10
	case FlagNewAccountLargeTransfer:
		return -5
	case FlagMaliciousInteraction:
		return -10
	default:
		return 0
	}
}

func missingComponents(sources []string) map[string]bool {
	missing := make(map[string]bool)
	for _, source := range sources {
		switch source {
		case analytics.SourceAccountInfo:
			missing[ComponentAccountAge] = true
		case analytics.SourceTransactions:
			missing[ComponentDiversity] = true
			missing[ComponentVolatility] = true
		case analytics.SourceTokenBalances:
			missing[ComponentTokenHealth] = true
		case analytics.SourceTopicMessages:
			missing[ComponentHCSQuality] = true
		}
	}
	return missing
}

func partialList(sources []string) []string {
	missing := missingComponents(sources)
	if len(missing) == 0 {
		return nil
	}
	out := make([]string, 0, len(missing))
	for component := range missing {
		out = append(out, component)
	}
	sort.Strings(out)
	return out
}
