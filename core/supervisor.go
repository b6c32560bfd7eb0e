package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/sentinel/internal/metrics"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUPERVISOR - Runs one monitor actor per position
// ═══════════════════════════════════════════════════════════════════════════════
//
// Positions run concurrently and independently; the supervisor only owns
// their lifecycles. On a circuit-breaker trip it preempts every in-flight
// walk and wakes every monitor so the synthetic CRITICAL condition lands on
// the very next tick instead of the next scheduled one.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Preemptor is the slice of the execution engine the supervisor needs
type Preemptor interface {
	PreemptAll()
}

// FeedHealth reports market-feed silence for the staleness trip signal
type FeedHealth interface {
	LastMessageAge() time.Duration
	Watch(tokenID string)
}

// TripAlerter carries breaker notifications to the operator
type TripAlerter interface {
	NotifyTrip(reason string)
}

// Supervisor owns all monitor actors
type Supervisor struct {
	mu       sync.Mutex
	cfg      MonitorConfig
	quotes   QuoteProvider
	trailing *risk.TrailingStop
	eval     *risk.Evaluator
	executor Executor
	breaker  *risk.CircuitBreaker
	preempt  Preemptor
	ledger   Ledger
	alerter  Alerter
	trips    TripAlerter
	feed     FeedHealth

	monitors map[string]*Monitor
	group    *errgroup.Group
	groupCtx context.Context
}

// NewSupervisor wires the shared collaborators
func NewSupervisor(
	cfg MonitorConfig,
	quotes QuoteProvider,
	trailing *risk.TrailingStop,
	eval *risk.Evaluator,
	executor Executor,
	breaker *risk.CircuitBreaker,
	preempt Preemptor,
	ledger Ledger,
	alerter Alerter,
	trips TripAlerter,
	feed FeedHealth,
) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		quotes:   quotes,
		trailing: trailing,
		eval:     eval,
		executor: executor,
		breaker:  breaker,
		preempt:  preempt,
		ledger:   ledger,
		alerter:  alerter,
		trips:    trips,
		feed:     feed,
		monitors: make(map[string]*Monitor),
	}

	breaker.OnTrip(s.onTrip)
	return s
}

// Start begins supervision; AddPosition is valid after this
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.group, s.groupCtx = errgroup.WithContext(ctx)
	s.mu.Unlock()

	s.group.Go(func() error {
		return s.feedHealthLoop(s.groupCtx)
	})
}

// AddPosition spawns a monitor actor for a newly filled position.
// Blocked while the breaker is tripped: no new entries during an incident.
func (s *Supervisor) AddPosition(pos *types.Position) error {
	if s.breaker.Tripped() {
		return fmt.Errorf("circuit breaker tripped, new positions blocked")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group == nil {
		return fmt.Errorf("supervisor not started")
	}
	if _, exists := s.monitors[pos.ID]; exists {
		return fmt.Errorf("position %s already monitored", pos.ID)
	}

	m := NewMonitor(pos, s.cfg, s.quotes, s.trailing, s.eval, s.executor, s.breaker, s.ledger, s.alerter)
	s.monitors[pos.ID] = m
	metrics.SetOpenPositions(len(s.monitors))

	if s.feed != nil {
		s.feed.Watch(pos.TokenID)
	}

	s.group.Go(func() error {
		defer s.remove(pos.ID)
		err := m.Run(s.groupCtx)
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Str("position", pos.ID).Msg("Monitor exited with error")
		}
		// One position's failure never takes the others down
		return nil
	})

	return nil
}

// Wait blocks until every monitor has finished
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// ResetBreaker is the operator's explicit re-arm path
func (s *Supervisor) ResetBreaker() {
	s.breaker.Reset()
	metrics.SetBreakerTripped(false)
}

// Open returns the number of monitored positions
func (s *Supervisor) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// SignalRebalance flags a position for portfolio-driven exit and wakes its
// monitor so the LOW-priority condition lands on the next tick. The monitor
// applies the flag on its own goroutine.
func (s *Supervisor) SignalRebalance(positionID string) bool {
	s.mu.Lock()
	m, ok := s.monitors[positionID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	m.SignalRebalance()
	return true
}

// Positions snapshots the monitored positions for display. Copies, not the
// actor-owned records.
func (s *Supervisor) Positions() []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Position, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m.Snapshot())
	}
	return out
}

func (s *Supervisor) remove(positionID string) {
	s.mu.Lock()
	delete(s.monitors, positionID)
	metrics.SetOpenPositions(len(s.monitors))
	s.mu.Unlock()
}

// onTrip fans the emergency out: cancel in-flight walks first so the
// CRITICAL replacements never coexist with stale orders, then wake everyone
func (s *Supervisor) onTrip(reason string) {
	metrics.SetBreakerTripped(true)

	s.preempt.PreemptAll()

	s.mu.Lock()
	monitors := make([]*Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()

	for _, m := range monitors {
		m.Wake()
	}

	if s.trips != nil {
		s.trips.NotifyTrip(reason)
	}

	log.Error().
		Str("reason", reason).
		Int("positions", len(monitors)).
		Msg("🚨 Breaker trip fanned out to all monitors")
}

// feedHealthLoop feeds market-data silence into the breaker
func (s *Supervisor) feedHealthLoop(ctx context.Context) error {
	if s.feed == nil {
		return nil
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.breaker.ObserveFeedSilence(s.feed.LastMessageAge())
		}
	}
}
