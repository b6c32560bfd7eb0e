package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/internal/metrics"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENGINE - Urgency-scaled price walking
// ═══════════════════════════════════════════════════════════════════════════════
//
// Turns one ExitDecision into one or more order placements:
//
//   placed → (walking)* → filled | escalated | cancelled | timed_out
//
// Each timeout cancels the resting order (confirmed), shifts the limit one
// tick toward the bid and resubmits. HIGH escalates to a guaranteed-fill
// order once its walk budget is spent; MEDIUM/LOW give up. A rejection bumps
// the effective urgency one tier for the next attempt.
//
// Termination is structural: every path either fills, exhausts a finite step
// budget, or ends in a single market order. At most one live order ever
// exists per position; a preemption request cancels (confirmed) before the
// engine returns.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Gateway is the slice of the venue client the engine needs
type Gateway interface {
	SubmitOrder(ctx context.Context, req exec.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (exec.OrderStatus, error)
}

// Recorder receives the append-only audit records
type Recorder interface {
	RecordAttempt(a types.ExitAttempt)
	RecordExit(x types.PositionExit)
}

// Outcome is the terminal state of one Execute call
type Outcome string

const (
	OutcomeFilled    Outcome = "FILLED"    // Full target quantity exited
	OutcomePartial   Outcome = "PARTIAL"   // Some quantity exited, budget spent
	OutcomeUnfilled  Outcome = "UNFILLED"  // Nothing exited, budget spent
	OutcomePreempted Outcome = "PREEMPTED" // Cancelled for a higher-priority decision
)

// Result summarizes one Execute call
type Result struct {
	Outcome   Outcome
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Steps     int
	Escalated bool
}

// Engine drives price-walking exits. Safe for concurrent use across
// positions; per position, calls are serialized by the monitor actor.
type Engine struct {
	gateway      Gateway
	recorder     Recorder
	policies     map[types.Priority]Policy
	tick         decimal.Decimal
	pollInterval time.Duration

	mu       sync.Mutex
	inflight map[string]*flight // Position ID → live walk
}

type flight struct {
	preempt chan struct{}
	once    sync.Once
}

// rejection cap across one Execute call, independent of walk steps
const maxRejections = 3

// NewEngine creates an engine with the given policy table
func NewEngine(gateway Gateway, recorder Recorder, policies map[types.Priority]Policy, tick decimal.Decimal) *Engine {
	return &Engine{
		gateway:      gateway,
		recorder:     recorder,
		policies:     policies,
		tick:         tick,
		pollInterval: 250 * time.Millisecond,
		inflight:     make(map[string]*flight),
	}
}

// SetPollInterval overrides the fill-poll cadence (tests)
func (e *Engine) SetPollInterval(d time.Duration) {
	e.pollInterval = d
}

// Preempt asks an in-flight walk for the position to cancel and yield.
// Returns false when nothing is in flight.
func (e *Engine) Preempt(positionID string) bool {
	e.mu.Lock()
	fl, ok := e.inflight[positionID]
	e.mu.Unlock()

	if !ok {
		return false
	}
	fl.once.Do(func() { close(fl.preempt) })
	return true
}

// PreemptAll interrupts every in-flight walk (circuit breaker trip)
func (e *Engine) PreemptAll() {
	e.mu.Lock()
	flights := make([]*flight, 0, len(e.inflight))
	for _, fl := range e.inflight {
		flights = append(flights, fl)
	}
	e.mu.Unlock()

	for _, fl := range flights {
		fl.once.Do(func() { close(fl.preempt) })
	}
}

// Execute realizes one exit decision. It returns only when no order for the
// position remains live.
func (e *Engine) Execute(ctx context.Context, pos *types.Position, decision types.ExitDecision, quote types.Quote) (Result, error) {
	fl, err := e.begin(pos.ID)
	if err != nil {
		return Result{}, err
	}
	defer e.end(pos.ID)

	log.Info().
		Str("position", pos.ID).
		Str("condition", string(decision.Condition)).
		Str("priority", decision.Priority.String()).
		Str("target", decision.TargetQty.StringFixed(0)).
		Msg("⚡ Executing exit")

	w := &walk{
		engine:    e,
		flight:    fl,
		pos:       pos,
		decision:  decision,
		quote:     quote,
		effective: decision.Priority,
		remaining: decision.TargetQty,
	}
	return w.run(ctx)
}

// begin claims the single-flight slot for a position
func (e *Engine) begin(positionID string) (*flight, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.inflight[positionID]; exists {
		return nil, fmt.Errorf("exit already in flight for %s", positionID)
	}
	fl := &flight{preempt: make(chan struct{})}
	e.inflight[positionID] = fl
	return fl, nil
}

func (e *Engine) end(positionID string) {
	e.mu.Lock()
	delete(e.inflight, positionID)
	e.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// WALK STATE MACHINE
// ═══════════════════════════════════════════════════════════════════════════════

type walk struct {
	engine   *Engine
	flight   *flight
	pos      *types.Position
	decision types.ExitDecision
	quote    types.Quote

	effective  types.Priority // May rise after rejections
	remaining  decimal.Decimal
	filled     decimal.Decimal
	notional   decimal.Decimal // For average fill price
	step       int
	rejections int
	escalated  bool // Market phase after walk budget exhausted
	preempted  bool
}

func (w *walk) run(ctx context.Context) (Result, error) {
	price := decimal.Zero

	for {
		policy := w.engine.policies[w.effective]
		isMarket := policy.Market || w.escalated

		if !isMarket {
			if price.IsZero() {
				price = clampPrice(initialPrice(w.effective, w.quote))
			} else {
				// One tick toward the opposing side of the book
				price = clampPrice(price.Sub(w.engine.tick))
			}
		}

		done, res, err := w.attempt(ctx, isMarket, price, policy)
		if done {
			return res, err
		}
	}
}

// attempt submits one order and resolves it. Returns done=true with the
// final result when the walk must stop.
func (w *walk) attempt(ctx context.Context, isMarket bool, price decimal.Decimal, policy Policy) (bool, Result, error) {
	req := exec.OrderRequest{
		TokenID: w.pos.TokenID,
		Side:    "SELL",
		Size:    w.remaining,
		Market:  isMarket,
	}
	orderType := types.OrderMarket
	if !isMarket {
		req.Price = price
		orderType = types.OrderLimit
	}

	attempt := types.ExitAttempt{
		ID:          uuid.NewString(),
		PositionID:  w.pos.ID,
		Condition:   w.decision.Condition,
		OrderType:   orderType,
		LimitPrice:  req.Price,
		Timeout:     policy.StepTimeout,
		Step:        w.step,
		SubmittedAt: time.Now(),
	}

	orderID, err := w.engine.gateway.SubmitOrder(ctx, req)
	if err != nil {
		// Transient submit failures and venue rejections land here alike;
		// both are recorded as rejections and escalate urgency
		w.resolve(&attempt, types.OutcomeRejected, decimal.Zero)
		w.rejections++

		log.Warn().
			Err(err).
			Str("position", w.pos.ID).
			Int("rejections", w.rejections).
			Msg("⚠️ Order rejected")

		if w.rejections > maxRejections || ctx.Err() != nil {
			return true, w.finish(), nil
		}
		if isMarket {
			if w.rejections > policy.RetryOnReject {
				return true, w.finish(), nil
			}
			return false, Result{}, nil // Retry the market order
		}
		w.effective = escalate(w.effective)
		metrics.IncEscalation()
		return false, Result{}, nil
	}

	status, ev := w.waitFill(ctx, orderID, policy.StepTimeout)

	switch ev {
	case evFilled:
		w.recordFill(status)
		w.resolve(&attempt, types.OutcomeFilled, status.FilledQty)
		return true, w.finish(), nil

	case evPreempt, evCtxDone:
		// Cancel must confirm before anything else happens for this position
		if cerr := w.cancelConfirmed(orderID); cerr != nil {
			w.resolve(&attempt, types.OutcomeCancelled, decimal.Zero)
			return true, Result{}, cerr
		}
		if st, serr := w.engine.gateway.OrderStatus(context.Background(), orderID); serr == nil && st.FilledQty.GreaterThan(decimal.Zero) {
			w.recordFill(st)
			w.resolve(&attempt, types.OutcomePartial, st.FilledQty)
		} else {
			w.resolve(&attempt, types.OutcomeCancelled, decimal.Zero)
		}
		if ev == evCtxDone {
			return true, w.finish(), ctx.Err()
		}
		w.preempted = true
		return true, w.finish(), nil

	case evError:
		w.resolve(&attempt, types.OutcomeRejected, decimal.Zero)
		w.rejections++
		if w.rejections > maxRejections {
			return true, w.finish(), nil
		}
		return false, Result{}, nil

	default: // evTimeout
		if !isMarket {
			if cerr := w.cancelConfirmed(orderID); cerr != nil {
				w.resolve(&attempt, types.OutcomeTimedOut, decimal.Zero)
				return true, Result{}, cerr
			}
		}
		// Harvest any partial fill before walking on
		if st, serr := w.engine.gateway.OrderStatus(context.Background(), orderID); serr == nil && st.FilledQty.GreaterThan(decimal.Zero) {
			w.recordFill(st)
			w.resolve(&attempt, types.OutcomePartial, st.FilledQty)
			if w.remaining.LessThanOrEqual(decimal.Zero) {
				return true, w.finish(), nil
			}
		} else {
			w.resolve(&attempt, types.OutcomeTimedOut, decimal.Zero)
		}

		if isMarket {
			// A guaranteed-fill order that did not fill is a venue problem;
			// retries share the rejection budget
			w.rejections++
			if w.rejections > maxRejections {
				return true, w.finish(), nil
			}
			return false, Result{}, nil
		}

		w.step++
		if w.step > policy.MaxSteps {
			if policy.EscalateToMarket && !w.escalated {
				w.escalated = true
				metrics.IncEscalation()
				log.Warn().
					Str("position", w.pos.ID).
					Int("steps", w.step).
					Msg("🔥 Walk budget spent, escalating to guaranteed-fill")
				return false, Result{}, nil
			}
			return true, w.finish(), nil
		}
		return false, Result{}, nil
	}
}

type waitEvent int

const (
	evTimeout waitEvent = iota
	evFilled
	evPreempt
	evCtxDone
	evError
)

// waitFill polls order status until fill, timeout, preemption or cancellation
func (w *walk) waitFill(ctx context.Context, orderID string, timeout time.Duration) (exec.OrderStatus, waitEvent) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	poll := time.NewTicker(w.engine.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-w.flight.preempt:
			return exec.OrderStatus{}, evPreempt
		case <-ctx.Done():
			return exec.OrderStatus{}, evCtxDone
		case <-deadline.C:
			return exec.OrderStatus{}, evTimeout
		case <-poll.C:
			status, err := w.engine.gateway.OrderStatus(ctx, orderID)
			if err != nil {
				continue // Transient; the deadline bounds us
			}
			switch status.State {
			case exec.StateMatched:
				return status, evFilled
			case exec.StateRejected:
				return status, evError
			case exec.StateCancelled:
				if status.FilledQty.GreaterThanOrEqual(w.remaining) {
					return status, evFilled
				}
				return status, evError
			}
			if status.FilledQty.GreaterThanOrEqual(w.remaining) {
				return status, evFilled
			}
		}
	}
}

// cancelConfirmed retries the confirmed cancel so the one-live-order
// guarantee survives transient API errors
func (w *walk) cancelConfirmed(orderID string) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		// Fresh context: the walk's context may already be cancelled, and an
		// unconfirmed cancel would leak a live order
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = w.engine.gateway.CancelOrder(ctx, orderID)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	log.Error().Err(lastErr).Str("order_id", orderID).Msg("❌ Cancel not confirmed")
	return fmt.Errorf("cancel %s: %w", orderID, lastErr)
}

// recordFill books a fill into the walk totals and emits the PositionExit
func (w *walk) recordFill(status exec.OrderStatus) {
	qty := status.FilledQty
	if qty.GreaterThan(w.remaining) {
		qty = w.remaining
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	price := status.AvgPrice
	if price.IsZero() {
		price = w.quote.Bid
	}

	w.filled = w.filled.Add(qty)
	w.notional = w.notional.Add(qty.Mul(price))
	w.remaining = w.remaining.Sub(qty)

	w.engine.recorder.RecordExit(types.PositionExit{
		ID:         uuid.NewString(),
		PositionID: w.pos.ID,
		Quantity:   qty,
		Price:      price,
		Condition:  w.decision.Condition,
		Timestamp:  time.Now(),
	})
	metrics.IncExit(string(w.decision.Condition))

	log.Info().
		Str("position", w.pos.ID).
		Str("qty", qty.StringFixed(0)).
		Str("price", price.StringFixed(4)).
		Msg("✅ Exit fill")
}

// resolve finalizes one attempt record
func (w *walk) resolve(a *types.ExitAttempt, outcome types.AttemptOutcome, filledQty decimal.Decimal) {
	a.Outcome = outcome
	a.FilledQty = filledQty
	a.ResolvedAt = time.Now()
	w.engine.recorder.RecordAttempt(*a)
	metrics.IncAttempt(string(outcome))
}

// finish assembles the terminal result
func (w *walk) finish() Result {
	res := Result{
		FilledQty: w.filled,
		Steps:     w.step,
		Escalated: w.escalated,
	}
	if w.filled.GreaterThan(decimal.Zero) {
		res.AvgPrice = w.notional.Div(w.filled)
	}

	switch {
	case w.preempted:
		res.Outcome = OutcomePreempted
	case w.remaining.LessThanOrEqual(decimal.Zero):
		res.Outcome = OutcomeFilled
	case w.filled.GreaterThan(decimal.Zero):
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeUnfilled
	}
	return res
}
