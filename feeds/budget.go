package feeds

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sentinel/internal/metrics"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// API BUDGET - Shared token bucket across all position monitors
// ═══════════════════════════════════════════════════════════════════════════════
//
// The venue allows a fixed call volume per minute; every monitor draws from
// this bucket before hitting the REST API. Exhaustion is a soft failure: the
// caller falls back to cached data and logs a warning, it never blocks.
//
// CRITICAL work bypasses the bucket entirely so a busy low-priority position
// can never starve an emergency exit.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrBudgetExhausted signals that the shared call budget is spent
var ErrBudgetExhausted = errors.New("api call budget exhausted")

// APIBudget is a guarded token bucket refilled continuously
type APIBudget struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // Tokens per second
	last     time.Time

	exhaustions int64
}

// NewAPIBudget creates a bucket holding perMinute tokens, refilled at the
// same rate. The bucket starts full.
func NewAPIBudget(perMinute int) *APIBudget {
	cap := float64(perMinute)
	return &APIBudget{
		capacity: cap,
		tokens:   cap,
		rate:     cap / 60.0,
		last:     time.Now(),
	}
}

// Acquire takes one token. CRITICAL callers always succeed without touching
// the bucket. Everyone else gets ErrBudgetExhausted when the bucket is dry.
func (b *APIBudget) Acquire(priority types.Priority) error {
	if priority == types.PriorityCritical {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())

	if b.tokens < 1 {
		b.exhaustions++
		metrics.IncBudgetExhausted()
		log.Warn().
			Float64("tokens", b.tokens).
			Str("priority", priority.String()).
			Msg("⏳ API budget exhausted, serving cached data")
		return ErrBudgetExhausted
	}

	b.tokens--
	return nil
}

// refill advances the bucket clock. Caller holds the lock.
func (b *APIBudget) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Remaining returns the current token count
func (b *APIBudget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	return b.tokens
}

// Exhaustions returns how often Acquire came up empty
func (b *APIBudget) Exhaustions() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhaustions
}
