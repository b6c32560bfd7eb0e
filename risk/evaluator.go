package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT EVALUATOR - All ten conditions, exactly one winner
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every tick, EvaluateAll runs the full table (no short-circuiting) so every
// triggered condition shows up in the logs, then Select deterministically
// picks the single highest-priority row. Both halves are pure over the
// snapshot, so each is unit-testable on its own.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Triggered is one condition that fired this tick
type Triggered struct {
	Name     types.ExitCondition
	Priority types.Priority
}

// Evaluator holds the threshold set for one strategy version
type Evaluator struct {
	thresholds Thresholds
	table      []Condition
}

// NewEvaluator creates an evaluator with the given thresholds
func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t, table: ConditionTable()}
}

// Thresholds returns the active threshold set
func (e *Evaluator) Thresholds() Thresholds {
	return e.thresholds
}

// EvaluateAll runs every predicate against the snapshot and returns all that
// fired, in table order
func (e *Evaluator) EvaluateAll(s Snapshot) []Triggered {
	var fired []Triggered
	for _, c := range e.table {
		if c.Triggered(s, e.thresholds) {
			fired = append(fired, Triggered{Name: c.Name, Priority: c.Priority})
		}
	}
	return fired
}

// Select picks the single winning decision from the fired set. Ties within a
// tier break by table order, which EvaluateAll preserves. Returns nil when
// nothing fired.
func (e *Evaluator) Select(positionID string, s Snapshot, fired []Triggered) *types.ExitDecision {
	if len(fired) == 0 {
		return nil
	}

	// Everything that fired is worth seeing, not just the winner
	for _, t := range fired {
		log.Info().
			Str("position", positionID).
			Str("condition", string(t.Name)).
			Str("priority", t.Priority.String()).
			Msg("🔔 Exit condition triggered")
	}

	winner := fired[0]
	for _, t := range fired[1:] {
		if t.Priority > winner.Priority {
			winner = t
		}
	}

	return &types.ExitDecision{
		Condition: winner.Name,
		Priority:  winner.Priority,
		TargetQty: e.targetQty(winner.Name, s),
	}
}

// Evaluate is the full tick entry point: all predicates, then selection
func (e *Evaluator) Evaluate(positionID string, s Snapshot) *types.ExitDecision {
	return e.Select(positionID, s, e.EvaluateAll(s))
}

// targetQty computes how much of the position the decision covers.
// Everything exits the full remaining quantity except the partial stages:
// stage one takes 50% of remaining, stage two takes 25% of the new remaining.
// Stage quantities floor to whole contracts but never round a nonzero stage
// to zero while at least one contract remains.
func (e *Evaluator) targetQty(cond types.ExitCondition, s Snapshot) decimal.Decimal {
	if cond != types.CondPartialExitTarget {
		return s.RemainingQty
	}

	var fraction decimal.Decimal
	if !s.StageOneDone {
		fraction = decimal.NewFromFloat(0.5)
	} else {
		fraction = decimal.NewFromFloat(0.25)
	}

	qty := s.RemainingQty.Mul(fraction).Floor()
	if qty.IsZero() && s.RemainingQty.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		qty = decimal.NewFromInt(1)
	}
	if qty.GreaterThan(s.RemainingQty) {
		qty = s.RemainingQty
	}
	return qty
}
