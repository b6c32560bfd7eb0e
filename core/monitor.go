package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/execution"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MONITOR - One sequential actor per position
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per tick:
//   Quote → Trailing update → Evaluate (all ten) → Execute → Persist
//
// All steps for one position run on one goroutine, so exit evaluation always
// sees the latest committed trailing-stop update and no two execution steps
// ever overlap. Cadence adapts every tick: 30s away from thresholds, 5s once
// any tracked metric enters the proximity band. No hysteresis beyond the
// band, oscillation between cadences is expected.
//
// ═══════════════════════════════════════════════════════════════════════════════

// QuoteProvider is the slice of feeds.QuoteService the monitor needs
type QuoteProvider interface {
	GetQuote(ctx context.Context, market string, priority types.Priority) (types.Quote, bool, error)
}

// Executor realizes exit decisions
type Executor interface {
	Execute(ctx context.Context, pos *types.Position, decision types.ExitDecision, quote types.Quote) (execution.Result, error)
}

// Breaker is the monitor's view of the circuit breaker
type Breaker interface {
	Tripped() bool
	RecordLoss(amount decimal.Decimal)
	RecordWin()
	RecordExecutionFailure()
	RecordExecutionSuccess()
}

// Ledger persists position state and daily rollups
type Ledger interface {
	SavePosition(p *types.Position) error
	RecordDailyExit(pnl decimal.Decimal)
}

// Alerter surfaces conditions an operator must see
type Alerter interface {
	NotifyManualReview(positionID, reason string)
	NotifyReviewCleared(positionID string)
	NotifyExit(positionID string, condition types.ExitCondition, qty, price, pnl decimal.Decimal)
}

// MonitorConfig is the cadence and staleness tuning for one monitor
type MonitorConfig struct {
	NormalInterval     time.Duration
	UrgentInterval     time.Duration
	ProximityBand      decimal.Decimal
	StalenessThreshold time.Duration
	TrailingEnabled    bool // Arm the ratchet for positions not yet tracking one
}

// Monitor owns one position for its whole lifecycle
type Monitor struct {
	pos       *types.Position
	cfg       MonitorConfig
	quotes    QuoteProvider
	trailing  *risk.TrailingStop
	evaluator *risk.Evaluator
	executor  Executor
	breaker   Breaker
	ledger    Ledger
	alerter   Alerter

	wakeCh    chan struct{} // Early wake-up (breaker trip)
	lastFresh time.Time     // Last fresh quote observation
	frozen    bool          // Manual-review freeze latch

	rebalanceReq atomic.Bool // Externally requested, drained at tick start

	// Copy of the position published after each tick; the only view of
	// position state safe to read off the actor goroutine
	snapMu sync.Mutex
	snap   types.Position
}

// NewMonitor creates the actor for one position
func NewMonitor(
	pos *types.Position,
	cfg MonitorConfig,
	quotes QuoteProvider,
	trailing *risk.TrailingStop,
	evaluator *risk.Evaluator,
	executor Executor,
	breaker Breaker,
	ledger Ledger,
	alerter Alerter,
) *Monitor {
	return &Monitor{
		pos:       pos,
		cfg:       cfg,
		quotes:    quotes,
		trailing:  trailing,
		evaluator: evaluator,
		executor:  executor,
		breaker:   breaker,
		ledger:    ledger,
		alerter:   alerter,
		wakeCh:    make(chan struct{}, 1),
		lastFresh: time.Now(),
		snap:      *pos,
	}
}

// Position returns the monitored position (actor-owned; read it only from
// callbacks or after Run returns). Off-goroutine readers use Snapshot.
func (m *Monitor) Position() *types.Position {
	return m.pos
}

// Snapshot returns a copy of the position as of the last completed tick.
// Safe to call from any goroutine.
func (m *Monitor) Snapshot() types.Position {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snap
}

// publish refreshes the copy served to off-goroutine readers.
// Called only from the actor goroutine.
func (m *Monitor) publish() {
	m.snapMu.Lock()
	m.snap = *m.pos
	m.snapMu.Unlock()
}

// Wake interrupts the current sleep so the next tick runs immediately
func (m *Monitor) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// SignalRebalance requests a portfolio-driven exit. The flag is applied to
// the position at the start of the next tick, on the actor goroutine.
func (m *Monitor) SignalRebalance() {
	m.rebalanceReq.Store(true)
	m.Wake()
}

// Run drives the control loop until the position closes or ctx ends
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.TrailingEnabled && m.pos.Trailing.State == "" {
		m.trailing.Init(m.pos)
	}
	m.pos.Status = types.StatusMonitoring
	m.persist()
	m.publish()

	log.Info().
		Str("position", m.pos.ID).
		Str("asset", m.pos.Asset).
		Str("entry", m.pos.EntryPrice.StringFixed(4)).
		Str("qty", m.pos.RemainingQty.StringFixed(0)).
		Msg("👁️ Monitoring position")

	for {
		interval := m.Tick(ctx)

		if m.pos.Status == types.StatusClosed {
			log.Info().
				Str("position", m.pos.ID).
				Str("reason", string(m.pos.ExitReason)).
				Msg("🏁 Position closed")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wakeCh:
		case <-time.After(interval):
		}
	}
}

// Tick executes one full monitoring pass and returns the next sleep interval
func (m *Monitor) Tick(ctx context.Context) time.Duration {
	defer m.publish()

	if m.rebalanceReq.CompareAndSwap(true, false) {
		m.pos.RebalanceSignal = true
	}

	tripped := m.breaker.Tripped()

	priority := types.PriorityLow
	if tripped {
		// Emergency path: bypass the shared budget entirely
		priority = types.PriorityCritical
	}

	// Even degraded ticks poll urgently while the breaker is tripped, so
	// the synthetic CRITICAL condition lands as soon as the data recovers
	degraded := m.cfg.NormalInterval
	if tripped {
		degraded = m.cfg.UrgentInterval
	}

	quote, stale, err := m.quotes.GetQuote(ctx, m.pos.TokenID, priority)

	if err == nil && !stale {
		m.lastFresh = quote.Timestamp
		if m.frozen {
			m.unfreeze()
		}
	}

	// Fail-safe: never act on data that might be wrong
	if time.Since(m.lastFresh) > m.cfg.StalenessThreshold {
		m.freeze()
		return degraded
	}
	if m.frozen || err != nil {
		return degraded
	}

	price := quote.Mid()
	m.pos.UpdatePrice(price)

	triggered := m.trailing.Update(m.pos, price)

	snapshot := risk.Snapshot{
		PnLPct:            m.pos.PnLPct,
		Price:             price,
		TrailingTriggered: triggered,
		TimeToExpiry:      time.Until(m.pos.ExpiryTime),
		Spread:            quote.Spread(),
		Volume:            quote.Volume,
		Edge:              m.pos.Edge(),
		BreakerTripped:    tripped,
		RebalanceSignal:   m.pos.RebalanceSignal,
		StageOneDone:      m.pos.StageOneDone,
		StageTwoDone:      m.pos.StageTwoDone,
		RemainingQty:      m.pos.RemainingQty,
	}

	decision := m.evaluator.Evaluate(m.pos.ID, snapshot)
	if decision != nil {
		m.executeDecision(ctx, *decision, quote)
	}

	m.persist()
	return m.cadence(snapshot)
}

// executeDecision hands one decision to the execution engine and books the
// outcome back into the position
func (m *Monitor) executeDecision(ctx context.Context, decision types.ExitDecision, quote types.Quote) {
	m.pos.Status = types.StatusExiting
	m.pos.ExitReason = decision.Condition
	m.pos.ExitPriority = decision.Priority

	result, err := m.executor.Execute(ctx, m.pos, decision, quote)
	if err != nil {
		log.Error().Err(err).Str("position", m.pos.ID).Msg("❌ Execution failed")
		m.breaker.RecordExecutionFailure()
		m.pos.Status = types.StatusMonitoring
		return
	}

	if result.FilledQty.GreaterThan(decimal.Zero) {
		m.bookFill(decision, result)
	}

	switch result.Outcome {
	case execution.OutcomeFilled:
		m.breaker.RecordExecutionSuccess()
	case execution.OutcomePartial:
		m.breaker.RecordExecutionSuccess()
	case execution.OutcomePreempted:
		// Re-evaluated next tick at whatever priority preempted us
	case execution.OutcomeUnfilled:
		m.breaker.RecordExecutionFailure()
	}

	if m.pos.RemainingQty.LessThanOrEqual(decimal.Zero) {
		m.pos.Status = types.StatusClosed
	} else {
		m.pos.Status = types.StatusMonitoring
	}
}

// bookFill applies a fill to quantities, stage flags, realized P&L and alerts
func (m *Monitor) bookFill(decision types.ExitDecision, result execution.Result) {
	m.pos.RemainingQty = m.pos.RemainingQty.Sub(result.FilledQty)
	if m.pos.RemainingQty.IsNegative() {
		m.pos.RemainingQty = decimal.Zero
	}

	if decision.Condition == types.CondPartialExitTarget {
		if !m.pos.StageOneDone {
			m.pos.StageOneDone = true
		} else {
			m.pos.StageTwoDone = true
		}
	}

	pnl := result.AvgPrice.Sub(m.pos.EntryPrice).Mul(result.FilledQty)
	if pnl.LessThan(decimal.Zero) {
		m.breaker.RecordLoss(pnl.Abs())
	} else {
		m.breaker.RecordWin()
	}

	m.ledger.RecordDailyExit(pnl)
	m.alerter.NotifyExit(m.pos.ID, decision.Condition, result.FilledQty, result.AvgPrice, pnl)
}

// cadence picks the next polling interval. Urgent whenever any tracked
// metric sits within the proximity band of its trigger.
func (m *Monitor) cadence(s risk.Snapshot) time.Duration {
	if m.breaker.Tripped() {
		return m.cfg.UrgentInterval
	}

	t := m.evaluator.Thresholds()
	band := m.cfg.ProximityBand

	// P&L% near stop-loss, profit target or a pending partial stage
	if s.PnLPct.Sub(t.StopLossPct).Abs().LessThanOrEqual(band) ||
		s.PnLPct.Sub(t.ProfitTargetPct).Abs().LessThanOrEqual(band) {
		return m.cfg.UrgentInterval
	}
	if !s.StageOneDone && s.PnLPct.Sub(t.StageOnePct).Abs().LessThanOrEqual(band) {
		return m.cfg.UrgentInterval
	}
	if s.StageOneDone && !s.StageTwoDone && s.PnLPct.Sub(t.StageTwoPct).Abs().LessThanOrEqual(band) {
		return m.cfg.UrgentInterval
	}

	// Price close to the trailing stop, as a fraction of price
	if m.pos.Trailing.Enabled && m.pos.Trailing.State == types.TrailingActive && !s.Price.IsZero() {
		distance := s.Price.Sub(m.pos.Trailing.CurrentStop).Div(s.Price)
		if distance.LessThanOrEqual(band) {
			return m.cfg.UrgentInterval
		}
	}

	// Expiry approaching the urgent window (double the window counts as near)
	if s.TimeToExpiry > 0 && s.TimeToExpiry < 2*t.UrgentExpiryWindow {
		return m.cfg.UrgentInterval
	}

	return m.cfg.NormalInterval
}

// freeze latches the manual-review state; automatic exits stop until a
// fresh price arrives or an operator intervenes
func (m *Monitor) freeze() {
	if m.frozen {
		return
	}
	m.frozen = true
	m.pos.Status = types.StatusManualReview
	m.persist()

	log.Error().
		Str("position", m.pos.ID).
		Dur("stale_for", time.Since(m.lastFresh)).
		Msg("🧊 Price data stale, position frozen for manual review")

	m.alerter.NotifyManualReview(m.pos.ID, "price data stale beyond threshold")
}

func (m *Monitor) unfreeze() {
	m.frozen = false
	m.pos.Status = types.StatusMonitoring
	log.Info().Str("position", m.pos.ID).Msg("Fresh price received, monitoring resumed")
	m.alerter.NotifyReviewCleared(m.pos.ID)
}

func (m *Monitor) persist() {
	if err := m.ledger.SavePosition(m.pos); err != nil {
		log.Error().Err(err).Str("position", m.pos.ID).Msg("Position persist failed")
	}
}
