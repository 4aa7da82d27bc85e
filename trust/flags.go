package trust

import (
	"fmt"
	"math"
	"sort"
	"time"

	"trustmesh/analytics"
)

const rapidOutflowWindow = time.Hour

// detectRiskFlags evaluates the risk rules over the bundle's transfer history.
// Each detected condition yields exactly one flag.
func (e *Engine) detectRiskFlags(bundle *analytics.Bundle, now time.Time) []RiskFlag {
	flags := []RiskFlag{}
	detectedAt := now.UnixMilli()

	if flag, ok := e.detectMaliciousInteraction(bundle, detectedAt); ok {
		flags = append(flags, flag)
	}
	if flag, ok := detectNewAccountLargeTransfer(bundle, now, detectedAt); ok {
		flags = append(flags, flag)
	}
	if flag, ok := detectRapidOutflow(bundle, detectedAt); ok {
		flags = append(flags, flag)
	}
	return flags
}

func (e *Engine) detectMaliciousInteraction(bundle *analytics.Bundle, detectedAt int64) (RiskFlag, bool) {
	if len(e.malicious) == 0 {
		return RiskFlag{}, false
	}
	for _, tx := range bundle.Transactions {
		for _, transfer := range tx.Transfers {
			if transfer.Account == bundle.Account {
				continue
			}
			if _, ok := e.malicious[transfer.Account]; ok {
				return RiskFlag{
					Type:        FlagMaliciousInteraction,
					Severity:    SeverityHigh,
					Description: fmt.Sprintf("interacted with flagged counterparty %s", transfer.Account),
					DetectedAt:  detectedAt,
				}, true
			}
		}
	}
	return RiskFlag{}, false
}

func detectNewAccountLargeTransfer(bundle *analytics.Bundle, now time.Time, detectedAt int64) (RiskFlag, bool) {
	if bundle.Info == nil || ageMonths(bundle.Info.CreatedAt, now) >= 1 {
		return RiskFlag{}, false
	}
	amounts := make([]float64, 0, len(bundle.Transactions))
	for _, tx := range bundle.Transactions {
		if amount, ok := accountDelta(bundle.Account, tx); ok && amount != 0 {
			amounts = append(amounts, math.Abs(float64(amount)))
		}
	}
	if len(amounts) < 2 {
		return RiskFlag{}, false
	}
	median := medianOf(amounts)
	if median <= 0 {
		return RiskFlag{}, false
	}
	for _, amount := range amounts {
		if amount > 10*median {
			return RiskFlag{
				Type:        FlagNewAccountLargeTransfer,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("transfer of %.0f exceeds 10x the median magnitude on an account younger than one month", amount),
				DetectedAt:  detectedAt,
			}, true
		}
	}
	return RiskFlag{}, false
}

// detectRapidOutflow reconstructs the balance timeline backwards from the
// current balance and flags any one-hour window whose total outflow exceeds
// half of the highest balance observed inside that window.
func detectRapidOutflow(bundle *analytics.Bundle, detectedAt int64) (RiskFlag, bool) {
	if bundle.Info == nil || len(bundle.Transactions) == 0 {
		return RiskFlag{}, false
	}
	type movement struct {
		at            time.Time
		delta         int64
		balanceBefore int64
	}
	movements := make([]movement, 0, len(bundle.Transactions))
	for _, tx := range bundle.Transactions {
		if delta, ok := accountDelta(bundle.Account, tx); ok {
			movements = append(movements, movement{at: tx.ConsensusTimestamp, delta: delta})
		}
	}
	if len(movements) == 0 {
		return RiskFlag{}, false
	}
	sort.Slice(movements, func(i, j int) bool { return movements[i].at.Before(movements[j].at) })

	// Walk newest to oldest: the balance before a movement is the balance
	// after it minus its delta, anchored at the current balance.
	balanceAfter := bundle.Info.Balance
	for i := len(movements) - 1; i >= 0; i-- {
		movements[i].balanceBefore = balanceAfter - movements[i].delta
		balanceAfter = movements[i].balanceBefore
	}

	for i := range movements {
		windowEnd := movements[i].at.Add(rapidOutflowWindow)
		var outflow int64
		var maxBalance int64
		for j := i; j < len(movements) && !movements[j].at.After(windowEnd); j++ {
			if movements[j].delta < 0 {
				outflow += -movements[j].delta
			}
			if movements[j].balanceBefore > maxBalance {
				maxBalance = movements[j].balanceBefore
			}
		}
		if maxBalance > 0 && outflow*2 > maxBalance {
			return RiskFlag{
				Type:        FlagRapidOutflow,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("outflow of %d within one hour exceeded half of the observed balance", outflow),
				DetectedAt:  detectedAt,
			}, true
		}
	}
	return RiskFlag{}, false
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
