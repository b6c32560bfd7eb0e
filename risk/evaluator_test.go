package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

func healthySnapshot() Snapshot {
	return Snapshot{
		PnLPct:       decimal.NewFromFloat(0.05),
		Price:        decimal.NewFromFloat(0.60),
		TimeToExpiry: 6 * time.Hour,
		Spread:       decimal.NewFromFloat(0.01),
		Volume:       decimal.NewFromInt(500),
		Edge:         decimal.NewFromFloat(0.10),
		RemainingQty: decimal.NewFromInt(100),
	}
}

func TestEvaluateNothingFires(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	if d := e.Evaluate("pos-1", healthySnapshot()); d != nil {
		t.Fatalf("expected no decision, got %s", d.Condition)
	}
}

func TestStopLossBeatsSpuriousLowerTiers(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	// −15% exactly, with spuriously true lower-tier conditions alongside
	s := healthySnapshot()
	s.PnLPct = decimal.NewFromFloat(-0.15)
	s.RebalanceSignal = true
	s.Edge = decimal.NewFromFloat(-0.01)

	d := e.Evaluate("pos-1", s)
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.Condition != types.CondStopLoss {
		t.Errorf("condition = %s, want stop_loss", d.Condition)
	}
	if d.Priority != types.PriorityCritical {
		t.Errorf("priority = %s, want CRITICAL", d.Priority)
	}
	if !d.TargetQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("target = %s, want full remaining 100", d.TargetQty)
	}
}

func TestCriticalTieBreaksByTableOrder(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	// Both CRITICAL rows fire; stop_loss sits first in the table
	s := healthySnapshot()
	s.PnLPct = decimal.NewFromFloat(-0.20)
	s.BreakerTripped = true

	for i := 0; i < 100; i++ {
		d := e.Evaluate("pos-1", s)
		if d == nil || d.Condition != types.CondStopLoss {
			t.Fatalf("iteration %d: non-deterministic winner %v", i, d)
		}
	}
}

func TestEvaluateAllRunsEveryRow(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	// Fire rows across all four tiers at once
	s := healthySnapshot()
	s.PnLPct = decimal.NewFromFloat(-0.20)
	s.TrailingTriggered = true
	s.Spread = decimal.NewFromFloat(0.05)
	s.RebalanceSignal = true
	s.Edge = decimal.NewFromFloat(-0.02)

	fired := e.EvaluateAll(s)

	want := []types.ExitCondition{
		types.CondStopLoss,
		types.CondTrailingStop,
		types.CondLiquidityDriedUp,
		types.CondEarlyExit,
		types.CondEdgeDisappeared,
		types.CondRebalance,
	}
	if len(fired) != len(want) {
		t.Fatalf("fired %d conditions, want %d: %v", len(fired), len(want), fired)
	}
	for i, name := range want {
		if fired[i].Name != name {
			t.Errorf("fired[%d] = %s, want %s (table order)", i, fired[i].Name, name)
		}
	}
}

func TestLiquidityDriedUpEitherLeg(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	wideSpread := healthySnapshot()
	wideSpread.Spread = decimal.NewFromFloat(0.031)
	if d := e.Evaluate("pos-1", wideSpread); d == nil || d.Condition != types.CondLiquidityDriedUp {
		t.Errorf("spread leg: got %v, want liquidity_dried_up", d)
	}

	thinBook := healthySnapshot()
	thinBook.Volume = decimal.NewFromInt(49)
	if d := e.Evaluate("pos-1", thinBook); d == nil || d.Condition != types.CondLiquidityDriedUp {
		t.Errorf("volume leg: got %v, want liquidity_dried_up", d)
	}
}

func TestTimeBasedUrgentWindow(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	s := healthySnapshot()
	s.TimeToExpiry = 4 * time.Minute
	if d := e.Evaluate("pos-1", s); d == nil || d.Condition != types.CondTimeBasedUrgent {
		t.Errorf("inside window: got %v, want time_based_urgent", d)
	}

	s.TimeToExpiry = 6 * time.Minute
	if d := e.Evaluate("pos-1", s); d != nil {
		t.Errorf("outside window: got %s, want none", d.Condition)
	}
}

func TestPartialStageOneTakesHalf(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	// +16%: stage one fires, profit target (+20%) does not
	s := healthySnapshot()
	s.PnLPct = decimal.NewFromFloat(0.16)

	d := e.Evaluate("pos-1", s)
	if d == nil || d.Condition != types.CondPartialExitTarget {
		t.Fatalf("got %v, want partial_exit_target", d)
	}
	if !d.TargetQty.Equal(decimal.NewFromInt(50)) {
		t.Errorf("stage one target = %s, want 50", d.TargetQty)
	}
}

func TestPartialStageTwoFloorsQuarter(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	s := healthySnapshot()
	s.StageOneDone = true
	s.RemainingQty = decimal.NewFromInt(50)

	// floor(50 × 0.25) = 12
	fired := []Triggered{{Name: types.CondPartialExitTarget, Priority: types.PriorityMedium}}
	d := e.Select("pos-1", s, fired)
	if d == nil {
		t.Fatal("expected a decision")
	}
	if !d.TargetQty.Equal(decimal.NewFromInt(12)) {
		t.Errorf("stage two target = %s, want 12", d.TargetQty)
	}
}

func TestPartialStageNeverRoundsToZero(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	s := healthySnapshot()
	s.StageOneDone = true
	s.RemainingQty = decimal.NewFromInt(3) // floor(3 × 0.25) = 0

	fired := []Triggered{{Name: types.CondPartialExitTarget, Priority: types.PriorityMedium}}
	d := e.Select("pos-1", s, fired)
	if d == nil {
		t.Fatal("expected a decision")
	}
	if !d.TargetQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("target = %s, want minimum 1 contract", d.TargetQty)
	}
}

func TestProfitTargetPreemptsStageTwo(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	// +26% with stage one done: profit_target and stage two both fire at
	// MEDIUM; profit_target sits first in the table and takes everything
	s := healthySnapshot()
	s.PnLPct = decimal.NewFromFloat(0.26)
	s.StageOneDone = true
	s.RemainingQty = decimal.NewFromInt(50)

	d := e.Evaluate("pos-1", s)
	if d == nil || d.Condition != types.CondProfitTarget {
		t.Fatalf("got %v, want profit_target", d)
	}
	if !d.TargetQty.Equal(decimal.NewFromInt(50)) {
		t.Errorf("target = %s, want full remaining", d.TargetQty)
	}
}

func TestStagesExhaustedStopsFiring(t *testing.T) {
	e := NewEvaluator(DefaultThresholds())

	s := healthySnapshot()
	s.PnLPct = decimal.NewFromFloat(0.17)
	s.StageOneDone = true
	s.StageTwoDone = true

	if d := e.Evaluate("pos-1", s); d != nil {
		t.Errorf("got %s, want none with both stages done", d.Condition)
	}
}
