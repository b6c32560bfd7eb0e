package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET WEBSOCKET FEED - Warm path for the price cache
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to the market channel for every watched token and writes top-of-
// book quotes straight into the shared price cache. A healthy feed means
// monitors almost never spend REST budget; a dead feed degrades cleanly to
// the REST path.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// MarketFeed manages the WebSocket connection and cache updates
type MarketFeed struct {
	mu sync.RWMutex

	wsURL     string
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	cache  *PriceCache
	tokens []string // Token IDs to subscribe on (re)connect

	lastMessage time.Time // For staleness signals to the circuit breaker
}

// NewMarketFeed creates a feed writing into the given cache
func NewMarketFeed(wsURL string, cache *PriceCache) *MarketFeed {
	return &MarketFeed{
		wsURL:  wsURL,
		cache:  cache,
		stopCh: make(chan struct{}),
	}
}

// Watch adds a token ID to the subscription set
func (f *MarketFeed) Watch(tokenID string) {
	f.mu.Lock()
	f.tokens = append(f.tokens, tokenID)
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.subscribe(conn, []string{tokenID})
	}
}

// Start connects and begins processing
func (f *MarketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Market feed started")
}

// Stop closes the connection
func (f *MarketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}

	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}

	log.Info().Msg("Market feed stopped")
}

// LastMessageAge reports the silence since the last feed message.
// The circuit breaker treats prolonged silence as a data-staleness signal.
func (f *MarketFeed) LastMessageAge() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastMessage.IsZero() {
		return 0
	}
	return time.Since(f.lastMessage)
}

// connectionLoop maintains the WebSocket connection
func (f *MarketFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Feed connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

// connect establishes the WebSocket connection and resubscribes
func (f *MarketFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	tokens := append([]string(nil), f.tokens...)
	f.mu.Unlock()

	log.Info().Int("tokens", len(tokens)).Msg("🔌 Feed connected")

	if len(tokens) > 0 {
		if err := f.subscribe(conn, tokens); err != nil {
			log.Warn().Err(err).Msg("Subscribe failed")
		}
	}

	go f.pingLoop()

	return nil
}

// subscribe sends a market-channel subscription
func (f *MarketFeed) subscribe(conn *websocket.Conn, tokens []string) error {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": tokens,
	}
	return conn.WriteJSON(msg)
}

// pingLoop keeps the connection alive
func (f *MarketFeed) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			f.mu.RUnlock()

			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

// readLoop reads messages until the connection dies
func (f *MarketFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Feed read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.mu.Lock()
		f.lastMessage = time.Now()
		f.mu.Unlock()

		f.processMessage(message)
	}
}

// wsMessage is a market-channel event from Polymarket
type wsMessage struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	Asset     string          `json:"asset_id"`
	Bids      [][]interface{} `json:"bids"`
	Asks      [][]interface{} `json:"asks"`
}

// processMessage handles incoming WebSocket messages
func (f *MarketFeed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		if msg.EventType == "book" {
			f.handleBook(msg)
		}
	}
}

// handleBook converts a book snapshot into a cache entry
func (f *MarketFeed) handleBook(msg wsMessage) {
	bid, bidVol := bestLevel(msg.Bids)
	ask, askVol := bestLevel(msg.Asks)
	if bid.IsZero() || ask.IsZero() {
		return
	}

	f.cache.Put(types.Quote{
		Market:    msg.Asset,
		TokenID:   msg.Asset,
		Bid:       bid,
		Ask:       ask,
		Volume:    bidVol.Add(askVol),
		Timestamp: time.Now(),
	})
}

// bestLevel extracts the top [price, size] pair from a WS level array
func bestLevel(levels [][]interface{}) (decimal.Decimal, decimal.Decimal) {
	if len(levels) == 0 || len(levels[0]) < 2 {
		return decimal.Zero, decimal.Zero
	}

	price, ok1 := levels[0][0].(string)
	size, ok2 := levels[0][1].(string)
	if !ok1 || !ok2 {
		return decimal.Zero, decimal.Zero
	}

	p, err1 := decimal.NewFromString(price)
	s, err2 := decimal.NewFromString(size)
	if err1 != nil || err2 != nil {
		return decimal.Zero, decimal.Zero
	}
	return p, s
}
