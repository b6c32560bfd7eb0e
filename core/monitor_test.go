package core

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/execution"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/types"
)

// SpyQuotes serves a scripted quote and records the requested priority.
// When script is set, quotes are served in order and the last one repeats.
type SpyQuotes struct {
	quote        types.Quote
	script       []types.Quote
	stale        bool
	err          error
	lastPriority types.Priority
	calls        int
}

func (s *SpyQuotes) GetQuote(ctx context.Context, market string, priority types.Priority) (types.Quote, bool, error) {
	s.calls++
	s.lastPriority = priority
	if len(s.script) > 0 {
		q := s.script[0]
		if len(s.script) > 1 {
			s.script = s.script[1:]
		}
		return q, s.stale, s.err
	}
	return s.quote, s.stale, s.err
}

// SpyExecutor fills whatever it is asked for at a fixed price
type SpyExecutor struct {
	decisions []types.ExitDecision
	fillPrice decimal.Decimal
	outcome   execution.Outcome
}

func (s *SpyExecutor) Execute(ctx context.Context, pos *types.Position, decision types.ExitDecision, quote types.Quote) (execution.Result, error) {
	s.decisions = append(s.decisions, decision)
	out := s.outcome
	if out == "" {
		out = execution.OutcomeFilled
	}
	return execution.Result{
		Outcome:   out,
		FilledQty: decision.TargetQty,
		AvgPrice:  s.fillPrice,
	}, nil
}

// SpyBreaker implements the monitor's breaker view
type SpyBreaker struct {
	tripped   bool
	losses    []decimal.Decimal
	wins      int
	failures  int
	successes int
}

func (s *SpyBreaker) Tripped() bool                       { return s.tripped }
func (s *SpyBreaker) RecordLoss(amount decimal.Decimal)   { s.losses = append(s.losses, amount) }
func (s *SpyBreaker) RecordWin()                          { s.wins++ }
func (s *SpyBreaker) RecordExecutionFailure()             { s.failures++ }
func (s *SpyBreaker) RecordExecutionSuccess()             { s.successes++ }

// SpyLedger records persistence calls
type SpyLedger struct {
	saves      int
	dailyExits []decimal.Decimal
}

func (s *SpyLedger) SavePosition(p *types.Position) error       { s.saves++; return nil }
func (s *SpyLedger) RecordDailyExit(pnl decimal.Decimal)        { s.dailyExits = append(s.dailyExits, pnl) }

// SpyAlerter records operator notifications
type SpyAlerter struct {
	reviews []string
	cleared []string
	exits   []types.ExitCondition
}

func (s *SpyAlerter) NotifyManualReview(positionID, reason string) {
	s.reviews = append(s.reviews, positionID)
}
func (s *SpyAlerter) NotifyReviewCleared(positionID string) {
	s.cleared = append(s.cleared, positionID)
}
func (s *SpyAlerter) NotifyExit(positionID string, condition types.ExitCondition, qty, price, pnl decimal.Decimal) {
	s.exits = append(s.exits, condition)
}

type monitorFixture struct {
	monitor  *Monitor
	pos      *types.Position
	quotes   *SpyQuotes
	executor *SpyExecutor
	breaker  *SpyBreaker
	ledger   *SpyLedger
	alerter  *SpyAlerter
}

func quoteAt(bid, ask float64) types.Quote {
	return types.Quote{
		Market:    "mkt",
		Bid:       decimal.NewFromFloat(bid),
		Ask:       decimal.NewFromFloat(ask),
		Volume:    decimal.NewFromInt(500),
		Timestamp: time.Now(),
	}
}

func newFixture(bid, ask float64) *monitorFixture {
	pos := &types.Position{
		ID:            "pos-1",
		Market:        "mkt",
		TokenID:       "tok-1",
		Asset:         "BTC-UP",
		Side:          "YES",
		OriginalQty:   decimal.NewFromInt(100),
		RemainingQty:  decimal.NewFromInt(100),
		EntryPrice:    decimal.NewFromFloat(0.50),
		EstimatedProb: decimal.NewFromFloat(0.60),
		Status:        types.StatusMonitoring,
		EntryTime:     time.Now(),
		ExpiryTime:    time.Now().Add(12 * time.Hour),
	}

	f := &monitorFixture{
		pos:      pos,
		quotes:   &SpyQuotes{quote: quoteAt(bid, ask)},
		executor: &SpyExecutor{fillPrice: decimal.NewFromFloat(bid)},
		breaker:  &SpyBreaker{},
		ledger:   &SpyLedger{},
		alerter:  &SpyAlerter{},
	}

	cfg := MonitorConfig{
		NormalInterval:     30 * time.Second,
		UrgentInterval:     5 * time.Second,
		ProximityBand:      decimal.NewFromFloat(0.02),
		StalenessThreshold: 2 * time.Minute,
	}

	f.monitor = NewMonitor(
		pos, cfg, f.quotes,
		risk.NewTrailingStop(decimal.NewFromFloat(0.05)),
		risk.NewEvaluator(risk.DefaultThresholds()),
		f.executor, f.breaker, f.ledger, f.alerter,
	)
	return f
}

func TestTickHealthyNormalCadence(t *testing.T) {
	f := newFixture(0.495, 0.505)

	interval := f.monitor.Tick(context.Background())

	if interval != 30*time.Second {
		t.Errorf("interval = %s, want normal 30s", interval)
	}
	if len(f.executor.decisions) != 0 {
		t.Errorf("unexpected execution: %v", f.executor.decisions)
	}
	if f.ledger.saves == 0 {
		t.Error("position state not persisted")
	}
}

func TestTickUrgentNearStopLoss(t *testing.T) {
	// Mid 0.435 → −13%, within the 2% band of the −15% stop
	f := newFixture(0.43, 0.44)

	interval := f.monitor.Tick(context.Background())

	if interval != 5*time.Second {
		t.Errorf("interval = %s, want urgent 5s near stop-loss", interval)
	}
	if len(f.executor.decisions) != 0 {
		t.Error("no condition should have fired at −13%")
	}
}

func TestTickStopLossExecutesAndCloses(t *testing.T) {
	// Mid 0.42 → −16%, past the stop
	f := newFixture(0.415, 0.425)

	f.monitor.Tick(context.Background())

	if len(f.executor.decisions) != 1 {
		t.Fatalf("executions = %d, want 1", len(f.executor.decisions))
	}
	d := f.executor.decisions[0]
	if d.Condition != types.CondStopLoss {
		t.Errorf("condition = %s, want stop_loss", d.Condition)
	}
	if d.Priority != types.PriorityCritical {
		t.Errorf("priority = %s, want CRITICAL", d.Priority)
	}
	if !d.TargetQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("target = %s, want full 100", d.TargetQty)
	}

	if f.pos.Status != types.StatusClosed {
		t.Errorf("status = %s, want CLOSED", f.pos.Status)
	}
	if !f.pos.RemainingQty.IsZero() {
		t.Errorf("remaining = %s, want 0", f.pos.RemainingQty)
	}
	if len(f.breaker.losses) != 1 {
		t.Errorf("breaker losses = %d, want 1", len(f.breaker.losses))
	}
	if len(f.alerter.exits) != 1 || f.alerter.exits[0] != types.CondStopLoss {
		t.Errorf("exit alert = %v", f.alerter.exits)
	}
	if len(f.ledger.dailyExits) != 1 {
		t.Errorf("daily stats entries = %d, want 1", len(f.ledger.dailyExits))
	}
}

func TestTickBreakerTripBypassesBudget(t *testing.T) {
	f := newFixture(0.495, 0.505)
	f.breaker.tripped = true

	interval := f.monitor.Tick(context.Background())

	if f.quotes.lastPriority != types.PriorityCritical {
		t.Errorf("quote priority = %s, want CRITICAL while tripped", f.quotes.lastPriority)
	}
	if len(f.executor.decisions) != 1 || f.executor.decisions[0].Condition != types.CondCircuitBreaker {
		t.Fatalf("decisions = %v, want circuit_breaker", f.executor.decisions)
	}
	if interval != 5*time.Second {
		t.Errorf("interval = %s, want urgent while tripped", interval)
	}
}

func TestTickStaleDataFreezes(t *testing.T) {
	f := newFixture(0.495, 0.505)
	f.quotes.stale = true
	f.monitor.lastFresh = time.Now().Add(-3 * time.Minute) // Past the 2m threshold

	f.monitor.Tick(context.Background())

	if f.pos.Status != types.StatusManualReview {
		t.Errorf("status = %s, want MANUAL_REVIEW", f.pos.Status)
	}
	if len(f.alerter.reviews) != 1 {
		t.Fatalf("review alerts = %d, want 1", len(f.alerter.reviews))
	}

	// Frozen: no decisions even while the data stays bad
	f.monitor.Tick(context.Background())
	if len(f.executor.decisions) != 0 {
		t.Error("frozen position must not trade")
	}
	if len(f.alerter.reviews) != 1 {
		t.Error("review alert must fire once, not every tick")
	}
}

func TestTickFreshDataUnfreezes(t *testing.T) {
	f := newFixture(0.495, 0.505)
	f.quotes.stale = true
	f.monitor.lastFresh = time.Now().Add(-3 * time.Minute)

	f.monitor.Tick(context.Background())
	if f.pos.Status != types.StatusManualReview {
		t.Fatal("expected freeze first")
	}

	// Fresh quote arrives
	f.quotes.stale = false
	f.quotes.quote = quoteAt(0.495, 0.505)

	f.monitor.Tick(context.Background())

	if f.pos.Status != types.StatusMonitoring {
		t.Errorf("status = %s, want MONITORING after fresh data", f.pos.Status)
	}
	if len(f.alerter.cleared) != 1 {
		t.Errorf("cleared alerts = %d, want 1", len(f.alerter.cleared))
	}
}

func TestTickUrgentNearExpiry(t *testing.T) {
	f := newFixture(0.495, 0.505)
	f.pos.ExpiryTime = time.Now().Add(8 * time.Minute) // Inside 2× the 5m window

	interval := f.monitor.Tick(context.Background())

	if interval != 5*time.Second {
		t.Errorf("interval = %s, want urgent approaching expiry", interval)
	}
}

func TestTickPartialStageBooksFlags(t *testing.T) {
	// Mid 0.58 → +16%: stage one takes 50
	f := newFixture(0.575, 0.585)
	f.executor.fillPrice = decimal.NewFromFloat(0.575)

	f.monitor.Tick(context.Background())

	if len(f.executor.decisions) != 1 || f.executor.decisions[0].Condition != types.CondPartialExitTarget {
		t.Fatalf("decisions = %v, want partial_exit_target", f.executor.decisions)
	}
	if !f.pos.RemainingQty.Equal(decimal.NewFromInt(50)) {
		t.Errorf("remaining = %s, want 50", f.pos.RemainingQty)
	}
	if !f.pos.StageOneDone {
		t.Error("stage one flag not set")
	}
	if f.pos.StageTwoDone {
		t.Error("stage two flag set early")
	}
	if f.pos.Status != types.StatusMonitoring {
		t.Errorf("status = %s, want MONITORING with quantity remaining", f.pos.Status)
	}
	if f.breaker.wins != 1 {
		t.Errorf("wins = %d, want 1 profitable fill", f.breaker.wins)
	}
}

func TestRunArmsTrailingFromConfig(t *testing.T) {
	// Fresh position, no prior trailing record. Entry 0.75 with a 0.05
	// distance: stop arms at 0.70, ratchets to 0.75 on the 0.80 print,
	// triggers on the 0.74 print and closes the position.
	pos := &types.Position{
		ID:            "pos-trail",
		Market:        "mkt",
		TokenID:       "tok-1",
		Asset:         "BTC-UP",
		Side:          "YES",
		OriginalQty:   decimal.NewFromInt(100),
		RemainingQty:  decimal.NewFromInt(100),
		EntryPrice:    decimal.NewFromFloat(0.75),
		EstimatedProb: decimal.NewFromFloat(0.90),
		Status:        types.StatusOpen,
		EntryTime:     time.Now(),
		ExpiryTime:    time.Now().Add(12 * time.Hour),
	}

	quotes := &SpyQuotes{script: []types.Quote{
		quoteAt(0.795, 0.805),
		quoteAt(0.735, 0.745),
	}}
	executor := &SpyExecutor{fillPrice: decimal.NewFromFloat(0.735)}

	cfg := MonitorConfig{
		NormalInterval:     5 * time.Millisecond,
		UrgentInterval:     time.Millisecond,
		ProximityBand:      decimal.NewFromFloat(0.02),
		StalenessThreshold: 2 * time.Minute,
		TrailingEnabled:    true,
	}

	m := NewMonitor(
		pos, cfg, quotes,
		risk.NewTrailingStop(decimal.NewFromFloat(0.05)),
		risk.NewEvaluator(risk.DefaultThresholds()),
		executor, &SpyBreaker{}, &SpyLedger{}, &SpyAlerter{},
	)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never exited on the trailing trigger")
	}

	if pos.Trailing.State != types.TrailingTriggered {
		t.Errorf("trailing state = %s, want TRIGGERED", pos.Trailing.State)
	}
	if !pos.Trailing.CurrentStop.Equal(decimal.NewFromFloat(0.75)) {
		t.Errorf("stop = %s, want 0.75 after the ratchet", pos.Trailing.CurrentStop)
	}
	if len(executor.decisions) != 1 || executor.decisions[0].Condition != types.CondTrailingStop {
		t.Fatalf("decisions = %v, want trailing_stop", executor.decisions)
	}
	if pos.Status != types.StatusClosed {
		t.Errorf("status = %s, want CLOSED", pos.Status)
	}
}

func TestRunKeepsLoadedTrailingRecord(t *testing.T) {
	f := newFixture(0.495, 0.505)
	f.monitor.cfg.TrailingEnabled = true
	f.pos.Trailing = types.TrailingStopState{
		SchemaVersion:   types.TrailingStopSchemaVersion,
		Enabled:         true,
		State:           types.TrailingActive,
		ActivationPrice: decimal.NewFromFloat(0.50),
		Distance:        decimal.NewFromFloat(0.05),
		CurrentStop:     decimal.NewFromFloat(0.55), // Already ratcheted
		HighestPrice:    decimal.NewFromFloat(0.60),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // One arming pass, first sleep exits immediately

	_ = f.monitor.Run(ctx)

	if !f.pos.Trailing.CurrentStop.Equal(decimal.NewFromFloat(0.55)) {
		t.Errorf("stop = %s, re-arming clobbered the persisted ratchet", f.pos.Trailing.CurrentStop)
	}
}

func TestSignalRebalanceAppliedOnActorTick(t *testing.T) {
	f := newFixture(0.495, 0.505)

	f.monitor.SignalRebalance()
	if f.pos.RebalanceSignal {
		t.Fatal("flag written outside the actor goroutine")
	}

	select {
	case <-f.monitor.wakeCh:
	default:
		t.Error("signal did not queue a wake-up")
	}

	f.monitor.Tick(context.Background())

	if !f.pos.RebalanceSignal {
		t.Error("rebalance request not applied at tick start")
	}
	if len(f.executor.decisions) != 1 || f.executor.decisions[0].Condition != types.CondRebalance {
		t.Fatalf("decisions = %v, want rebalance", f.executor.decisions)
	}
}

func TestSnapshotPublishedAfterTick(t *testing.T) {
	// Mid 0.42 → stop-loss closes the position
	f := newFixture(0.415, 0.425)

	before := f.monitor.Snapshot()
	if before.Status != types.StatusMonitoring {
		t.Fatalf("seed snapshot status = %s", before.Status)
	}

	f.monitor.Tick(context.Background())

	snap := f.monitor.Snapshot()
	if snap.Status != types.StatusClosed {
		t.Errorf("snapshot status = %s, want CLOSED after the tick", snap.Status)
	}
	if !snap.RemainingQty.IsZero() {
		t.Errorf("snapshot remaining = %s, want 0", snap.RemainingQty)
	}
}

func TestTickDegradedKeepsUrgentWhileTripped(t *testing.T) {
	f := newFixture(0.495, 0.505)
	f.breaker.tripped = true
	f.quotes.stale = true
	f.monitor.lastFresh = time.Now().Add(-3 * time.Minute)

	interval := f.monitor.Tick(context.Background())

	if f.pos.Status != types.StatusManualReview {
		t.Fatal("expected freeze on stale data")
	}
	if interval != 5*time.Second {
		t.Errorf("interval = %s, want urgent while the breaker is tripped", interval)
	}
	if len(f.executor.decisions) != 0 {
		t.Error("frozen position must not trade")
	}
}
