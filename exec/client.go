package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER EXECUTION GATEWAY - Polymarket CLOB client
// ═══════════════════════════════════════════════════════════════════════════════
//
// The only component that talks to the venue's order API:
//   SubmitOrder  → order_id
//   CancelOrder  → confirmed ack (the caller relies on this to guarantee at
//                  most one live order per position)
//   OrderStatus  → filled quantity + state
//
// EIP-712-style signing for order payloads, HMAC headers for REST auth.
// DRY_RUN mode simulates the venue in memory so the whole exit pipeline can
// run against paper fills.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Order states as reported by the venue
const (
	StateLive      = "LIVE"
	StateMatched   = "MATCHED"
	StateCancelled = "CANCELLED"
	StateRejected  = "REJECTED"
)

// OrderRequest describes one order placement
type OrderRequest struct {
	TokenID string
	Side    string          // "BUY" or "SELL"
	Price   decimal.Decimal // Ignored for market orders
	Size    decimal.Decimal
	Market  bool // Guaranteed-fill order
}

// OrderStatus is the venue's view of an order
type OrderStatus struct {
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	State     string
}

// Client talks to the Polymarket CLOB
type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	httpClient *http.Client

	// Paper book state, dryRun only
	mu     sync.Mutex
	seq    int64
	orders map[string]*paperOrder
}

type paperOrder struct {
	req    OrderRequest
	status OrderStatus
}

// Options configure the client
type Options struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	PrivateKey string // Hex, optional in dry-run
	DryRun     bool
}

// NewClient creates a gateway client
func NewClient(opts Options) (*Client, error) {
	client := &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		passphrase: opts.Passphrase,
		dryRun:     opts.DryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		orders:     make(map[string]*paperOrder),
	}

	if opts.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(opts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	} else if !opts.DryRun {
		return nil, fmt.Errorf("private key required outside dry-run")
	}

	mode := "DRY RUN"
	if !opts.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("🚀 Execution gateway initialized")

	return client, nil
}

// IsDryRun returns true in paper mode
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// SubmitOrder places an order and returns the venue order ID
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.dryRun {
		return c.paperSubmit(req), nil
	}

	payload := map[string]interface{}{
		"tokenID":    req.TokenID,
		"size":       req.Size.String(),
		"side":       req.Side,
		"expiration": time.Now().Add(24 * time.Hour).Unix(),
		"nonce":      time.Now().UnixNano(),
		"feeRateBps": "0",
	}
	if req.Market {
		payload["orderType"] = "FOK"
	} else {
		payload["orderType"] = "GTC"
		payload["price"] = req.Price.String()
	}

	signature, err := c.signOrder(payload)
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	payload["signature"] = signature

	resp, err := c.post(ctx, "/order", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("API error: %s", result.Error)
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("side", req.Side).
		Str("size", req.Size.StringFixed(0)).
		Bool("market", req.Market).
		Msg("📤 Order placed")

	return result.OrderID, nil
}

// CancelOrder cancels an order and confirms the cancellation before
// returning. A nil return means the order is no longer live.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		return c.paperCancel(orderID)
	}

	if _, err := c.delete(ctx, "/order/"+orderID); err != nil {
		return err
	}

	// Confirm: poll until the venue stops reporting the order live
	for i := 0; i < 5; i++ {
		status, err := c.OrderStatus(ctx, orderID)
		if err != nil {
			return fmt.Errorf("cancel confirm: %w", err)
		}
		if status.State != StateLive {
			log.Debug().Str("order_id", orderID).Msg("Cancel confirmed")
			return nil
		}

		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("cancel of %s not confirmed", orderID)
}

// OrderStatus fetches fill state for an order
func (c *Client) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if c.dryRun {
		return c.paperStatus(orderID)
	}

	resp, err := c.get(ctx, "/order/"+orderID)
	if err != nil {
		return OrderStatus{}, err
	}

	var result struct {
		SizeMatched string `json:"size_matched"`
		Price       string `json:"price"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return OrderStatus{}, fmt.Errorf("parse status: %w", err)
	}

	filled, _ := decimal.NewFromString(result.SizeMatched)
	price, _ := decimal.NewFromString(result.Price)

	state := StateLive
	switch result.Status {
	case "matched":
		state = StateMatched
	case "cancelled":
		state = StateCancelled
	case "rejected":
		state = StateRejected
	}

	return OrderStatus{FilledQty: filled, AvgPrice: price, State: state}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER MODE
// ═══════════════════════════════════════════════════════════════════════════════

// paperSubmit fills orders immediately, matching the venue's happy path
func (c *Client) paperSubmit(req OrderRequest) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	orderID := fmt.Sprintf("PAPER_%d", c.seq)

	price := req.Price
	if req.Market {
		// Guaranteed fill: assume one tick of slippage from a mid of 0.50
		// when no price is attached
		price = req.Price
		if price.IsZero() {
			price = decimal.NewFromFloat(0.50)
		}
	}

	c.orders[orderID] = &paperOrder{
		req: req,
		status: OrderStatus{
			FilledQty: req.Size,
			AvgPrice:  price,
			State:     StateMatched,
		},
	}

	log.Info().
		Str("order_id", orderID).
		Str("side", req.Side).
		Str("price", price.StringFixed(4)).
		Str("size", req.Size.StringFixed(0)).
		Msg("📝 DRY RUN: order filled")

	return orderID
}

func (c *Client) paperCancel(orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown paper order %s", orderID)
	}
	if o.status.State == StateLive {
		o.status.State = StateCancelled
	}
	return nil
}

func (c *Client) paperStatus(orderID string) (OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("unknown paper order %s", orderID)
	}
	return o.status, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) delete(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, _ := json.Marshal(order)
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}

func (c *Client) hmacSign(message string) string {
	hash := crypto.Keccak256([]byte(message + c.apiSecret))
	return hexutil.Encode(hash)
}
