package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - System-wide kill switch
// ═══════════════════════════════════════════════════════════════════════════════
//
// Binary state: ARMED → TRIPPED. While tripped, every monitored position gets
// a synthetic CRITICAL circuit_breaker condition on its next tick and new
// entries are blocked.
//
// Recovery is NEVER automatic. An operator must call Reset() explicitly; a
// breaker that can un-trip itself is not a safety device.
//
// Trip signals:
//   • Daily realized loss beyond the limit
//   • N consecutive execution failures
//   • Market-data silence beyond the stale window
//   • Abnormal loss velocity (realized loss per hour)
//
// ═══════════════════════════════════════════════════════════════════════════════

// TripListener is notified exactly once per trip (alerting, monitor wake-up)
type TripListener func(reason string)

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxDailyLoss    decimal.Decimal
	maxConsecFails  int
	maxLossVelocity decimal.Decimal // Loss per hour
	staleWindow     time.Duration

	// State
	tripped      bool
	trippedAt    time.Time
	reason       string
	dailyLoss    decimal.Decimal
	consecFails  int
	lastResetDay string

	// Velocity window: realized losses in the last hour
	recentLosses []lossEvent

	listeners []TripListener
}

type lossEvent struct {
	amount decimal.Decimal
	at     time.Time
}

// NewCircuitBreaker creates an armed breaker
func NewCircuitBreaker(maxDailyLoss decimal.Decimal, maxConsecFails int, maxLossVelocity decimal.Decimal, staleWindow time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxDailyLoss:    maxDailyLoss,
		maxConsecFails:  maxConsecFails,
		maxLossVelocity: maxLossVelocity,
		staleWindow:     staleWindow,
	}
}

// OnTrip registers a listener called when the breaker trips
func (cb *CircuitBreaker) OnTrip(fn TripListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// RecordLoss feeds a realized loss (positive amount) into the daily total
// and the velocity window
func (cb *CircuitBreaker) RecordLoss(amount decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollDay()
	cb.dailyLoss = cb.dailyLoss.Add(amount)
	cb.recentLosses = append(cb.recentLosses, lossEvent{amount: amount, at: time.Now()})

	if cb.dailyLoss.GreaterThanOrEqual(cb.maxDailyLoss) {
		cb.trip("daily loss limit breached")
		return
	}

	if cb.lossVelocity().GreaterThanOrEqual(cb.maxLossVelocity) {
		cb.trip("abnormal loss velocity")
	}
}

// RecordWin resets the failure streak contribution of losses only; wins
// do not touch the daily loss total
func (cb *CircuitBreaker) RecordWin() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollDay()
}

// RecordExecutionFailure counts a failed order placement
func (cb *CircuitBreaker) RecordExecutionFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecFails++
	if cb.consecFails >= cb.maxConsecFails {
		cb.trip("consecutive execution failures")
	}
}

// RecordExecutionSuccess clears the failure streak
func (cb *CircuitBreaker) RecordExecutionSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecFails = 0
}

// ObserveFeedSilence reports how long the market feed has been quiet.
// Called periodically by the supervisor.
func (cb *CircuitBreaker) ObserveFeedSilence(silence time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.staleWindow > 0 && silence >= cb.staleWindow {
		cb.trip("market data stale")
	}
}

// Tripped returns the current trip state
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Reason returns why the breaker tripped, empty while armed
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// Reset re-arms the breaker. Operator action only, never called from any
// automatic path.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return
	}

	cb.tripped = false
	cb.reason = ""
	cb.consecFails = 0
	log.Info().Msg("✅ Circuit breaker manually reset")
}

// Stats returns a snapshot for reporting
func (cb *CircuitBreaker) Stats() (tripped bool, reason string, dailyLoss decimal.Decimal, consecFails int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped, cb.reason, cb.dailyLoss, cb.consecFails
}

// trip latches the breaker. Caller holds the lock.
func (cb *CircuitBreaker) trip(reason string) {
	if cb.tripped {
		return
	}

	cb.tripped = true
	cb.trippedAt = time.Now()
	cb.reason = reason

	log.Error().
		Str("reason", reason).
		Str("daily_loss", cb.dailyLoss.StringFixed(2)).
		Int("consec_fails", cb.consecFails).
		Msg("🚨 CIRCUIT BREAKER TRIPPED - manual reset required")

	listeners := append([]TripListener(nil), cb.listeners...)
	go func() {
		for _, fn := range listeners {
			fn(reason)
		}
	}()
}

// rollDay clears the daily loss total on date change. Caller holds the lock.
// A trip survives the day roll; only Reset() re-arms.
func (cb *CircuitBreaker) rollDay() {
	today := time.Now().Format("2006-01-02")
	if cb.lastResetDay != today {
		cb.lastResetDay = today
		cb.dailyLoss = decimal.Zero
	}
}

// lossVelocity sums losses over the trailing hour. Caller holds the lock.
func (cb *CircuitBreaker) lossVelocity() decimal.Decimal {
	cutoff := time.Now().Add(-time.Hour)
	total := decimal.Zero

	kept := cb.recentLosses[:0]
	for _, ev := range cb.recentLosses {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
			total = total.Add(ev.amount)
		}
	}
	cb.recentLosses = kept

	return total
}
