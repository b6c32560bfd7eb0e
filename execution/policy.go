package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// URGENCY POLICIES - How aggressively each tier chases a fill
// ═══════════════════════════════════════════════════════════════════════════════
//
//   CRITICAL  market order, 5s, retry on reject
//   HIGH      limit at the touch, 10s/step, 2 walk steps, then market
//   MEDIUM    limit at mid,       30s/step, 5 walk steps, then give up
//   LOW       limit at the ask,   60s/step, 10 walk steps, then give up
//
// ═══════════════════════════════════════════════════════════════════════════════

// Policy is the execution recipe for one urgency tier
type Policy struct {
	Market           bool          // Start with a guaranteed-fill order
	StepTimeout      time.Duration // Per-attempt fill wait
	MaxSteps         int           // Walk steps after the initial order
	EscalateToMarket bool          // Market order once steps are exhausted
	RetryOnReject    int           // Extra market retries (CRITICAL only)
}

// DefaultPolicies returns the policy table from the shipped configuration
func DefaultPolicies() map[types.Priority]Policy {
	return map[types.Priority]Policy{
		types.PriorityCritical: {
			Market:        true,
			StepTimeout:   5 * time.Second,
			RetryOnReject: 2,
		},
		types.PriorityHigh: {
			StepTimeout:      10 * time.Second,
			MaxSteps:         2,
			EscalateToMarket: true,
		},
		types.PriorityMedium: {
			StepTimeout: 30 * time.Second,
			MaxSteps:    5,
		},
		types.PriorityLow: {
			StepTimeout: 60 * time.Second,
			MaxSteps:    10,
		},
	}
}

// initialPrice picks the starting limit price for a sell by tier:
// HIGH sits on the bid (near touch), MEDIUM at mid, LOW rests on the ask.
func initialPrice(priority types.Priority, quote types.Quote) decimal.Decimal {
	switch priority {
	case types.PriorityHigh:
		return quote.Bid
	case types.PriorityMedium:
		return quote.Mid()
	default:
		return quote.Ask
	}
}

// Polymarket quotes live in (0, 1); walked prices clamp into the same band
var (
	minPrice = decimal.NewFromFloat(0.01)
	maxPrice = decimal.NewFromFloat(0.99)
)

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minPrice) {
		return minPrice
	}
	if p.GreaterThan(maxPrice) {
		return maxPrice
	}
	return p
}

// escalate bumps the effective tier one level after a rejection
func escalate(p types.Priority) types.Priority {
	if p >= types.PriorityCritical {
		return types.PriorityCritical
	}
	return p + 1
}
