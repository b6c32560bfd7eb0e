package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// QUOTE SERVICE - Cache-first quote access with budget enforcement
// ═══════════════════════════════════════════════════════════════════════════════
//
// Read path for every monitor tick:
//   1. Fresh cache hit    → return it, no API call
//   2. Budget available   → REST fetch (bounded retry), cache, return
//   3. Budget exhausted   → return stale cache + warning
//   4. Nothing usable     → error; the caller decides whether the position
//                           must freeze for manual review
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	fetchRetries   = 2
	fetchBackoff   = 200 * time.Millisecond
	requestTimeout = 5 * time.Second
)

// Fetcher pulls one quote from the venue. *RESTFetcher in production,
// a stub in tests.
type Fetcher interface {
	FetchQuote(ctx context.Context, market string) (types.Quote, error)
}

// QuoteService fronts the cache, the budget and the REST fetcher
type QuoteService struct {
	cache   *PriceCache
	budget  *APIBudget
	fetcher Fetcher
}

// NewQuoteService wires the three collaborators together
func NewQuoteService(cache *PriceCache, budget *APIBudget, fetcher Fetcher) *QuoteService {
	return &QuoteService{cache: cache, budget: budget, fetcher: fetcher}
}

// GetQuote returns the best available quote for a market. The stale flag is
// true when the quote is older than the cache TTL; callers decide how much
// staleness they tolerate.
func (s *QuoteService) GetQuote(ctx context.Context, market string, priority types.Priority) (types.Quote, bool, error) {
	if q, fresh := s.cache.Get(market); fresh {
		return q, false, nil
	}

	if err := s.budget.Acquire(priority); err != nil {
		// Budget spent: degrade to whatever the cache still holds
		if q, _ := s.cache.Get(market); !q.Timestamp.IsZero() {
			return q, true, nil
		}
		return types.Quote{}, true, fmt.Errorf("quote %s: %w", market, err)
	}

	q, err := s.refresh(ctx, market)
	if err != nil {
		log.Warn().Err(err).Str("market", market).Msg("⚠️ Quote refresh failed, trying cache")
		if cached, _ := s.cache.Get(market); !cached.Timestamp.IsZero() {
			return cached, true, nil
		}
		return types.Quote{}, true, fmt.Errorf("quote %s: %w", market, err)
	}

	return q, false, nil
}

// refresh performs the single-writer REST fetch with bounded retry
func (s *QuoteService) refresh(ctx context.Context, market string) (types.Quote, error) {
	done, wait, owner := s.cache.BeginRefresh(market)
	if !owner {
		// Another monitor is already fetching this market; ride its result
		select {
		case <-wait:
		case <-ctx.Done():
			return types.Quote{}, ctx.Err()
		}
		if q, fresh := s.cache.Get(market); fresh {
			return q, nil
		}
		return types.Quote{}, fmt.Errorf("concurrent refresh of %s did not land", market)
	}
	defer done()

	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * fetchBackoff):
			case <-ctx.Done():
				return types.Quote{}, ctx.Err()
			}
		}

		q, err := s.fetcher.FetchQuote(ctx, market)
		if err == nil {
			s.cache.Put(q)
			return q, nil
		}
		lastErr = err
	}

	return types.Quote{}, fmt.Errorf("fetch after %d retries: %w", fetchRetries, lastErr)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REST FETCHER
// ═══════════════════════════════════════════════════════════════════════════════

// RESTFetcher pulls order book tops from the CLOB REST API
type RESTFetcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewRESTFetcher creates a fetcher against the given CLOB base URL
func NewRESTFetcher(baseURL string) *RESTFetcher {
	return &RESTFetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market string      `json:"market"`
	Bids   []bookLevel `json:"bids"`
	Asks   []bookLevel `json:"asks"`
}

// FetchQuote reads the top of book for a market
func (f *RESTFetcher) FetchQuote(ctx context.Context, market string) (types.Quote, error) {
	url := fmt.Sprintf("%s/book?token_id=%s", f.baseURL, market)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.Quote{}, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return types.Quote{}, fmt.Errorf("book request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Quote{}, fmt.Errorf("book request: status %d", resp.StatusCode)
	}

	var book bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return types.Quote{}, fmt.Errorf("book decode: %w", err)
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return types.Quote{}, fmt.Errorf("empty book for %s", market)
	}

	bid, err := decimal.NewFromString(book.Bids[0].Price)
	if err != nil {
		return types.Quote{}, fmt.Errorf("bid parse: %w", err)
	}
	ask, err := decimal.NewFromString(book.Asks[0].Price)
	if err != nil {
		return types.Quote{}, fmt.Errorf("ask parse: %w", err)
	}

	volume := decimal.Zero
	for _, lvl := range book.Bids {
		if sz, err := decimal.NewFromString(lvl.Size); err == nil {
			volume = volume.Add(sz)
		}
	}

	return types.Quote{
		Market:    market,
		TokenID:   market,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		Timestamp: time.Now(),
	}, nil
}
