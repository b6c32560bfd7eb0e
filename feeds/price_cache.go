package feeds

import (
	"sync"
	"time"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE CACHE - Short-lived shared quote cache
// ═══════════════════════════════════════════════════════════════════════════════
//
// Bounds external call volume: every monitor reads here first, and only misses
// (or expired entries) go out to the REST API. The websocket feed writes into
// the same cache, so a healthy feed keeps most reads warm.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceCache is a TTL cache of the latest quote per market.
// Safe for concurrent readers and writers.
type PriceCache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	quotes map[string]types.Quote

	// One refresh in flight per market, so a thundering herd of monitors
	// does not multiply REST calls for the same market.
	inflight map[string]chan struct{}
}

// NewPriceCache creates a cache with the given entry lifetime
func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{
		ttl:      ttl,
		quotes:   make(map[string]types.Quote),
		inflight: make(map[string]chan struct{}),
	}
}

// Get returns the cached quote and whether it is still fresh.
// A stale quote is still returned so callers can degrade gracefully.
func (pc *PriceCache) Get(market string) (types.Quote, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	q, ok := pc.quotes[market]
	if !ok {
		return types.Quote{}, false
	}
	return q, time.Since(q.Timestamp) < pc.ttl
}

// Put stores a fresh quote
func (pc *PriceCache) Put(q types.Quote) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	// Never replace a newer quote with an older one (WS and REST race)
	if cur, ok := pc.quotes[q.Market]; ok && cur.Timestamp.After(q.Timestamp) {
		return
	}
	pc.quotes[q.Market] = q
}

// BeginRefresh claims the single-writer slot for a market's refresh.
// Returns (done, true) when the caller owns the refresh and must call done(),
// or (wait, false) when another refresh is in flight; the caller may receive
// on wait to block until it completes.
func (pc *PriceCache) BeginRefresh(market string) (func(), <-chan struct{}, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if ch, ok := pc.inflight[market]; ok {
		return nil, ch, false
	}

	ch := make(chan struct{})
	pc.inflight[market] = ch
	done := func() {
		pc.mu.Lock()
		delete(pc.inflight, market)
		pc.mu.Unlock()
		close(ch)
	}
	return done, nil, true
}

// Len returns the number of cached markets
func (pc *PriceCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.quotes)
}
