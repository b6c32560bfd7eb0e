package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStatus tracks a position through its lifecycle
type PositionStatus string

const (
	StatusOpen         PositionStatus = "OPEN"       // Filled, not yet watched
	StatusMonitoring   PositionStatus = "MONITORING" // Actor loop running
	StatusExiting      PositionStatus = "EXITING"    // Exit in flight
	StatusClosed       PositionStatus = "CLOSED"     // Remaining quantity zero
	StatusManualReview PositionStatus = "MANUAL_REVIEW"
)

// Position represents an open trade owned by exactly one monitor actor
type Position struct {
	ID            string
	Market        string // Market/condition ID
	TokenID       string
	Asset         string
	Side          string // "YES" or "NO"
	OriginalQty   decimal.Decimal
	RemainingQty  decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	PnL           decimal.Decimal // Unrealized, absolute
	PnLPct        decimal.Decimal // Unrealized, fraction of entry (0.15 = +15%)
	Status        PositionStatus
	EntryTime     time.Time
	ExpiryTime    time.Time       // Market resolution time
	EstimatedProb decimal.Decimal // Model probability at entry, drives edge
	Trailing      TrailingStopState
	ExitReason    ExitCondition
	ExitPriority  Priority

	// Partial-exit staging flags
	StageOneDone bool // +15% stage taken
	StageTwoDone bool // +25% stage taken

	// External portfolio signal, set by the operator/rebalancer
	RebalanceSignal bool
}

// UpdatePrice refreshes current price and unrealized P&L
func (p *Position) UpdatePrice(price decimal.Decimal) {
	p.CurrentPrice = price
	p.PnL = price.Sub(p.EntryPrice).Mul(p.RemainingQty)
	if !p.EntryPrice.IsZero() {
		p.PnLPct = price.Sub(p.EntryPrice).Div(p.EntryPrice)
	}
}

// Edge is the model's estimated probability minus the market price
func (p *Position) Edge() decimal.Decimal {
	return p.EstimatedProb.Sub(p.CurrentPrice)
}

// TrailingState is the trailing-stop lifecycle state
type TrailingState string

const (
	TrailingInactive  TrailingState = "INACTIVE"
	TrailingActive    TrailingState = "ACTIVE"
	TrailingTriggered TrailingState = "TRIGGERED"
)

// TrailingStopSchemaVersion guards against loading records written by an
// incompatible build. Bump when fields change meaning.
const TrailingStopSchemaVersion = 1

// TrailingStopState is the per-position ratchet record. CurrentStop only ever
// tightens; it is mutated exclusively by risk.TrailingStop.
type TrailingStopState struct {
	SchemaVersion   int
	Enabled         bool
	State           TrailingState
	ActivationPrice decimal.Decimal
	Distance        decimal.Decimal
	CurrentStop     decimal.Decimal
	HighestPrice    decimal.Decimal
}

// Valid reports whether the record is internally consistent. A false return
// means the record was corrupted and must be fail-safed.
func (t *TrailingStopState) Valid() bool {
	if t.SchemaVersion != TrailingStopSchemaVersion {
		return false
	}
	if !t.Enabled {
		return true
	}
	if t.Distance.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if t.CurrentStop.IsNegative() || t.HighestPrice.IsNegative() {
		return false
	}
	// The stop can never sit above the high-water mark
	return !t.CurrentStop.GreaterThan(t.HighestPrice)
}

// Quote is one bid/ask observation for a market
type Quote struct {
	Market    string
	TokenID   string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal // Displayed size, contracts
	Timestamp time.Time
}

// Mid returns the midpoint price
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Age returns how long ago the quote was fetched
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Priority is the urgency tier attached to an exit condition
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	}
	return "UNKNOWN"
}

// ExitCondition names one of the ten exit predicates
type ExitCondition string

const (
	CondStopLoss          ExitCondition = "stop_loss"
	CondCircuitBreaker    ExitCondition = "circuit_breaker"
	CondTrailingStop      ExitCondition = "trailing_stop"
	CondTimeBasedUrgent   ExitCondition = "time_based_urgent"
	CondLiquidityDriedUp  ExitCondition = "liquidity_dried_up"
	CondProfitTarget      ExitCondition = "profit_target"
	CondPartialExitTarget ExitCondition = "partial_exit_target"
	CondEarlyExit         ExitCondition = "early_exit"
	CondEdgeDisappeared   ExitCondition = "edge_disappeared"
	CondRebalance         ExitCondition = "rebalance"
)

// ExitDecision is the single action selected for one tick
type ExitDecision struct {
	Condition ExitCondition
	Priority  Priority
	TargetQty decimal.Decimal
}

// OrderType distinguishes walked limits from guaranteed-fill orders
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// AttemptOutcome is the terminal state of one order placement try
type AttemptOutcome string

const (
	OutcomeFilled    AttemptOutcome = "FILLED"
	OutcomePartial   AttemptOutcome = "PARTIAL"
	OutcomeCancelled AttemptOutcome = "CANCELLED"
	OutcomeRejected  AttemptOutcome = "REJECTED"
	OutcomeTimedOut  AttemptOutcome = "TIMED_OUT"
)

// ExitAttempt is the append-only audit record of one placement try.
// Never mutated after ResolvedAt is set.
type ExitAttempt struct {
	ID          string
	PositionID  string
	Condition   ExitCondition
	OrderType   OrderType
	LimitPrice  decimal.Decimal // Zero for market orders
	Timeout     time.Duration
	Step        int // 0 = initial order, 1..n = walk steps
	Outcome     AttemptOutcome
	FilledQty   decimal.Decimal
	SubmittedAt time.Time
	ResolvedAt  time.Time
}

// PositionExit is the append-only record of a realized exit (full or partial).
// The sum of Quantity across a position's exits never exceeds OriginalQty.
type PositionExit struct {
	ID         string
	PositionID string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Condition  ExitCondition
	Timestamp  time.Time
}
