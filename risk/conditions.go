package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT CONDITIONS - The fixed ten-row decision table
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order in this table IS the tie-break rule: within a tier, the earlier row
// wins. Changing row order changes behavior, so the table is append-never.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Snapshot is everything the condition predicates may look at. Built once per
// tick by the monitor; predicates are pure functions over it.
type Snapshot struct {
	PnLPct            decimal.Decimal
	Price             decimal.Decimal
	TrailingTriggered bool
	TimeToExpiry      time.Duration
	Spread            decimal.Decimal
	Volume            decimal.Decimal
	Edge              decimal.Decimal
	BreakerTripped    bool
	RebalanceSignal   bool
	StageOneDone      bool
	StageTwoDone      bool
	RemainingQty      decimal.Decimal
}

// Thresholds are the per-strategy-version trigger levels. Immutable for the
// life of a position once fetched.
type Thresholds struct {
	StopLossPct        decimal.Decimal // Negative, e.g. -0.15
	ProfitTargetPct    decimal.Decimal
	StageOnePct        decimal.Decimal
	StageTwoPct        decimal.Decimal
	UrgentExpiryWindow time.Duration
	MaxSpread          decimal.Decimal
	MinVolume          decimal.Decimal
	MinEdge            decimal.Decimal
}

// DefaultThresholds match the shipped strategy version
func DefaultThresholds() Thresholds {
	return Thresholds{
		StopLossPct:        decimal.NewFromFloat(-0.15),
		ProfitTargetPct:    decimal.NewFromFloat(0.20),
		StageOnePct:        decimal.NewFromFloat(0.15),
		StageTwoPct:        decimal.NewFromFloat(0.25),
		UrgentExpiryWindow: 5 * time.Minute,
		MaxSpread:          decimal.NewFromFloat(0.03),
		MinVolume:          decimal.NewFromInt(50),
		MinEdge:            decimal.NewFromFloat(0.02),
	}
}

// Condition is one named predicate with its fixed tier
type Condition struct {
	Name      types.ExitCondition
	Priority  types.Priority
	Triggered func(s Snapshot, t Thresholds) bool
}

// ConditionTable returns the ten conditions in priority-then-tie-break order
func ConditionTable() []Condition {
	return []Condition{
		{
			Name:     types.CondStopLoss,
			Priority: types.PriorityCritical,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.PnLPct.LessThanOrEqual(t.StopLossPct)
			},
		},
		{
			Name:     types.CondCircuitBreaker,
			Priority: types.PriorityCritical,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.BreakerTripped
			},
		},
		{
			Name:     types.CondTrailingStop,
			Priority: types.PriorityHigh,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.TrailingTriggered
			},
		},
		{
			Name:     types.CondTimeBasedUrgent,
			Priority: types.PriorityHigh,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.TimeToExpiry > 0 && s.TimeToExpiry < t.UrgentExpiryWindow
			},
		},
		{
			Name:     types.CondLiquidityDriedUp,
			Priority: types.PriorityHigh,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.Spread.GreaterThan(t.MaxSpread) || s.Volume.LessThan(t.MinVolume)
			},
		},
		{
			Name:     types.CondProfitTarget,
			Priority: types.PriorityMedium,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.PnLPct.GreaterThanOrEqual(t.ProfitTargetPct)
			},
		},
		{
			Name:     types.CondPartialExitTarget,
			Priority: types.PriorityMedium,
			Triggered: func(s Snapshot, t Thresholds) bool {
				if !s.StageOneDone {
					return s.PnLPct.GreaterThanOrEqual(t.StageOnePct)
				}
				if !s.StageTwoDone {
					return s.PnLPct.GreaterThanOrEqual(t.StageTwoPct)
				}
				return false
			},
		},
		{
			Name:     types.CondEarlyExit,
			Priority: types.PriorityLow,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.Edge.LessThan(t.MinEdge)
			},
		},
		{
			Name:     types.CondEdgeDisappeared,
			Priority: types.PriorityLow,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.Edge.LessThanOrEqual(decimal.Zero)
			},
		},
		{
			Name:     types.CondRebalance,
			Priority: types.PriorityLow,
			Triggered: func(s Snapshot, t Thresholds) bool {
				return s.RebalanceSignal
			},
		},
	}
}
