package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/types"
)

// submitPlan decides what happens to the n-th submitted order (1-based)
type submitPlan func(n int, req exec.OrderRequest) (state string, filledQty decimal.Decimal, rejectErr error)

// SpyGateway simulates the venue and records every interaction
type SpyGateway struct {
	mu           sync.Mutex
	seq          int
	orders       map[string]*spyOrder
	requests     []exec.OrderRequest
	cancels      []string
	liveAtSubmit []int // live orders observed as each submit arrived
	plan         submitPlan
	cancelFails  int // fail this many CancelOrder calls before confirming
}

type spyOrder struct {
	req    exec.OrderRequest
	state  string
	filled decimal.Decimal
}

func newSpyGateway(plan submitPlan) *SpyGateway {
	return &SpyGateway{orders: make(map[string]*spyOrder), plan: plan}
}

func (g *SpyGateway) SubmitOrder(ctx context.Context, req exec.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	live := 0
	for _, o := range g.orders {
		if o.state == exec.StateLive {
			live++
		}
	}
	g.liveAtSubmit = append(g.liveAtSubmit, live)
	g.requests = append(g.requests, req)

	g.seq++
	state, filled, rejectErr := g.plan(g.seq, req)
	if rejectErr != nil {
		return "", rejectErr
	}

	id := fmt.Sprintf("ord-%d", g.seq)
	g.orders[id] = &spyOrder{req: req, state: state, filled: filled}
	return id, nil
}

func (g *SpyGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancelFails > 0 {
		g.cancelFails--
		return errors.New("cancel flake")
	}

	g.cancels = append(g.cancels, orderID)
	if o, ok := g.orders[orderID]; ok && o.state == exec.StateLive {
		o.state = exec.StateCancelled
	}
	return nil
}

func (g *SpyGateway) OrderStatus(ctx context.Context, orderID string) (exec.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return exec.OrderStatus{}, errors.New("unknown order")
	}
	return exec.OrderStatus{State: o.state, FilledQty: o.filled, AvgPrice: o.req.Price}, nil
}

func (g *SpyGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// SpyRecorder captures audit records
type SpyRecorder struct {
	mu       sync.Mutex
	attempts []types.ExitAttempt
	exits    []types.PositionExit
}

func (r *SpyRecorder) RecordAttempt(a types.ExitAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *SpyRecorder) RecordExit(x types.PositionExit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, x)
}

func (r *SpyRecorder) exitTotal() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, x := range r.exits {
		total = total.Add(x.Quantity)
	}
	return total
}

// fastPolicies mirrors the tier shapes at millisecond scale
func fastPolicies() map[types.Priority]Policy {
	return map[types.Priority]Policy{
		types.PriorityCritical: {Market: true, StepTimeout: 20 * time.Millisecond, RetryOnReject: 2},
		types.PriorityHigh:     {StepTimeout: 20 * time.Millisecond, MaxSteps: 2, EscalateToMarket: true},
		types.PriorityMedium:   {StepTimeout: 20 * time.Millisecond, MaxSteps: 5},
		types.PriorityLow:      {StepTimeout: 20 * time.Millisecond, MaxSteps: 10},
	}
}

func testEngine(g Gateway, r Recorder) *Engine {
	e := NewEngine(g, r, fastPolicies(), decimal.NewFromFloat(0.01))
	e.SetPollInterval(2 * time.Millisecond)
	return e
}

func walkPosition() *types.Position {
	return &types.Position{
		ID:           "pos-1",
		TokenID:      "tok-1",
		EntryPrice:   decimal.NewFromFloat(0.50),
		OriginalQty:  decimal.NewFromInt(100),
		RemainingQty: decimal.NewFromInt(100),
	}
}

func walkQuote() types.Quote {
	return types.Quote{
		Bid:       decimal.NewFromFloat(0.54),
		Ask:       decimal.NewFromFloat(0.56),
		Timestamp: time.Now(),
	}
}

func decision(p types.Priority, qty int64) types.ExitDecision {
	return types.ExitDecision{
		Condition: types.CondStopLoss,
		Priority:  p,
		TargetQty: decimal.NewFromInt(qty),
	}
}

func TestMarketOrderFills(t *testing.T) {
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		if !req.Market {
			t.Errorf("CRITICAL must submit a market order")
		}
		return exec.StateMatched, req.Size, nil
	})
	r := &SpyRecorder{}
	e := testEngine(g, r)

	res, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityCritical, 100), walkQuote())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFilled {
		t.Errorf("outcome = %s, want FILLED", res.Outcome)
	}
	if !res.FilledQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("filled = %s, want 100", res.FilledQty)
	}
	if !r.exitTotal().Equal(decimal.NewFromInt(100)) {
		t.Errorf("recorded exits = %s, want 100", r.exitTotal())
	}
}

func TestWalkTerminatesWithinBudget(t *testing.T) {
	// Nothing ever fills: MEDIUM walks its steps and gives up
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		return exec.StateLive, decimal.Zero, nil
	})
	r := &SpyRecorder{}
	e := testEngine(g, r)

	res, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityMedium, 100), walkQuote())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUnfilled {
		t.Errorf("outcome = %s, want UNFILLED", res.Outcome)
	}

	// Initial order plus MaxSteps walk steps, no escalation for MEDIUM
	if got, want := g.submitCount(), 1+fastPolicies()[types.PriorityMedium].MaxSteps; got != want {
		t.Errorf("submits = %d, want %d", got, want)
	}
	for i, live := range g.liveAtSubmit {
		if live != 0 {
			t.Errorf("submit %d arrived with %d orders still live", i, live)
		}
	}
}

func TestWalkStepsTowardBid(t *testing.T) {
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		return exec.StateLive, decimal.Zero, nil
	})
	e := testEngine(g, &SpyRecorder{})

	_, _ = e.Execute(context.Background(), walkPosition(), decision(types.PriorityLow, 100), walkQuote())

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) < 3 {
		t.Fatalf("expected several walk steps, got %d", len(g.requests))
	}
	// LOW starts at the ask and steps one tick down each time
	if !g.requests[0].Price.Equal(decimal.NewFromFloat(0.56)) {
		t.Errorf("first price = %s, want ask 0.56", g.requests[0].Price)
	}
	for i := 1; i < len(g.requests); i++ {
		diff := g.requests[i-1].Price.Sub(g.requests[i].Price)
		if !diff.Equal(decimal.NewFromFloat(0.01)) {
			t.Errorf("step %d moved %s, want 0.01 toward the bid", i, diff)
		}
	}
}

func TestHighEscalatesToMarket(t *testing.T) {
	// Limits never fill; the escalation market order does
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		if req.Market {
			return exec.StateMatched, req.Size, nil
		}
		return exec.StateLive, decimal.Zero, nil
	})
	r := &SpyRecorder{}
	e := testEngine(g, r)

	res, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityHigh, 100), walkQuote())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFilled {
		t.Errorf("outcome = %s, want FILLED after escalation", res.Outcome)
	}
	if !res.Escalated {
		t.Error("result must flag the escalation")
	}

	g.mu.Lock()
	last := g.requests[len(g.requests)-1]
	g.mu.Unlock()
	if !last.Market {
		t.Error("final order must be the guaranteed-fill escalation")
	}
}

func TestRejectionRetriesMarket(t *testing.T) {
	// CRITICAL: two rejections, then the retry fills
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		if n <= 2 {
			return "", decimal.Zero, errors.New("venue reject")
		}
		return exec.StateMatched, req.Size, nil
	})
	r := &SpyRecorder{}
	e := testEngine(g, r)

	res, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityCritical, 100), walkQuote())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFilled {
		t.Errorf("outcome = %s, want FILLED after retries", res.Outcome)
	}
	if g.submitCount() != 3 {
		t.Errorf("submits = %d, want 3", g.submitCount())
	}

	rejected := 0
	r.mu.Lock()
	for _, a := range r.attempts {
		if a.Outcome == types.OutcomeRejected {
			rejected++
		}
	}
	r.mu.Unlock()
	if rejected != 2 {
		t.Errorf("rejected attempts = %d, want 2", rejected)
	}
}

func TestRejectionEscalatesUrgency(t *testing.T) {
	// LOW rejected once: the next attempt runs under the MEDIUM policy.
	// Never filling afterwards, the step count follows MEDIUM's budget.
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		if n == 1 {
			return "", decimal.Zero, errors.New("venue reject")
		}
		return exec.StateLive, decimal.Zero, nil
	})
	e := testEngine(g, &SpyRecorder{})

	res, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityLow, 100), walkQuote())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUnfilled {
		t.Errorf("outcome = %s, want UNFILLED", res.Outcome)
	}

	// 1 rejected LOW submit, then MEDIUM's initial + MaxSteps walk
	want := 1 + 1 + fastPolicies()[types.PriorityMedium].MaxSteps
	if g.submitCount() != want {
		t.Errorf("submits = %d, want %d (MEDIUM budget after escalation)", g.submitCount(), want)
	}
}

func TestPreemptCancelsBeforeReturn(t *testing.T) {
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		return exec.StateLive, decimal.Zero, nil
	})
	r := &SpyRecorder{}
	e := NewEngine(g, r, map[types.Priority]Policy{
		types.PriorityMedium: {StepTimeout: 5 * time.Second, MaxSteps: 5},
	}, decimal.NewFromFloat(0.01))
	e.SetPollInterval(2 * time.Millisecond)

	resCh := make(chan Result, 1)
	go func() {
		res, _ := e.Execute(context.Background(), walkPosition(), decision(types.PriorityMedium, 100), walkQuote())
		resCh <- res
	}()

	// Wait for the order to rest, then preempt
	for i := 0; i < 100 && g.submitCount() == 0; i++ {
		time.Sleep(2 * time.Millisecond)
	}
	if !e.Preempt("pos-1") {
		t.Fatal("expected an in-flight walk to preempt")
	}

	var res Result
	select {
	case res = <-resCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after preemption")
	}

	if res.Outcome != OutcomePreempted {
		t.Errorf("outcome = %s, want PREEMPTED", res.Outcome)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, o := range g.orders {
		if o.state == exec.StateLive {
			t.Errorf("order %s still live after preempted Execute returned", id)
		}
	}
	if len(g.cancels) == 0 {
		t.Error("no cancel issued for the preempted order")
	}
}

func TestCancelConfirmRetriesFlakes(t *testing.T) {
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		return exec.StateLive, decimal.Zero, nil
	})
	g.cancelFails = 2 // First two cancel calls flake, third confirms
	e := NewEngine(g, &SpyRecorder{}, map[types.Priority]Policy{
		types.PriorityMedium: {StepTimeout: 20 * time.Millisecond, MaxSteps: 1},
	}, decimal.NewFromFloat(0.01))
	e.SetPollInterval(2 * time.Millisecond)

	res, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityMedium, 100), walkQuote())
	if err != nil {
		t.Fatalf("cancel retry should have confirmed: %v", err)
	}
	if res.Outcome != OutcomeUnfilled {
		t.Errorf("outcome = %s, want UNFILLED", res.Outcome)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, o := range g.orders {
		if o.state == exec.StateLive {
			t.Errorf("order %s left live after flaky cancels", id)
		}
	}
}

func TestPartialFillHarvestedAcrossSteps(t *testing.T) {
	// First order fills 40 of 100 then rests until timeout; second fills rest
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		if n == 1 {
			return exec.StateLive, decimal.NewFromInt(40), nil
		}
		return exec.StateMatched, req.Size, nil
	})
	r := &SpyRecorder{}
	e := testEngine(g, r)

	res, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityMedium, 100), walkQuote())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFilled {
		t.Errorf("outcome = %s, want FILLED", res.Outcome)
	}
	if !res.FilledQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("filled = %s, want 100", res.FilledQty)
	}

	// Second order must only chase what remained
	g.mu.Lock()
	second := g.requests[1]
	g.mu.Unlock()
	if !second.Size.Equal(decimal.NewFromInt(60)) {
		t.Errorf("second order size = %s, want 60", second.Size)
	}

	// Audit trail conserves quantity
	if !r.exitTotal().Equal(decimal.NewFromInt(100)) {
		t.Errorf("recorded exits = %s, want exactly 100", r.exitTotal())
	}
}

func TestSingleFlightPerPosition(t *testing.T) {
	g := newSpyGateway(func(n int, req exec.OrderRequest) (string, decimal.Decimal, error) {
		return exec.StateLive, decimal.Zero, nil
	})
	e := NewEngine(g, &SpyRecorder{}, map[types.Priority]Policy{
		types.PriorityMedium: {StepTimeout: 5 * time.Second, MaxSteps: 1},
	}, decimal.NewFromFloat(0.01))
	e.SetPollInterval(2 * time.Millisecond)

	go func() {
		_, _ = e.Execute(context.Background(), walkPosition(), decision(types.PriorityMedium, 100), walkQuote())
	}()
	for i := 0; i < 100 && g.submitCount() == 0; i++ {
		time.Sleep(2 * time.Millisecond)
	}

	_, err := e.Execute(context.Background(), walkPosition(), decision(types.PriorityMedium, 100), walkQuote())
	if err == nil {
		t.Fatal("second Execute for the same position must fail")
	}

	e.Preempt("pos-1")
}
