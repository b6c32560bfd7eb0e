package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the sentinel. Immutable after Load().
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	DryRun bool
	Debug  bool

	// Polymarket API
	PolymarketAPIURL  string
	PolymarketCLOBURL string
	PolymarketWSURL   string

	// CLOB Credentials
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet
	WalletPrivateKey string

	// Monitoring cadence
	NormalInterval time.Duration // Polling interval away from any threshold
	UrgentInterval time.Duration // Polling interval inside the proximity band
	ProximityBand  decimal.Decimal

	// Price data
	QuoteTTL           time.Duration // Cache entry lifetime
	StalenessThreshold time.Duration // Beyond this, position freezes for review
	APIBudgetPerMinute int           // Shared quote-call budget across positions

	// Exit thresholds
	StopLossPct        decimal.Decimal // e.g. -0.15
	ProfitTargetPct    decimal.Decimal // e.g. 0.20
	PartialStageOnePct decimal.Decimal // e.g. 0.15
	PartialStageTwoPct decimal.Decimal // e.g. 0.25
	UrgentExpiryWindow time.Duration   // time_based_urgent threshold
	MaxSpread          decimal.Decimal // liquidity_dried_up spread limit
	MinVolume          decimal.Decimal // liquidity_dried_up volume floor
	MinEdge            decimal.Decimal // early_exit edge floor

	// Trailing stop
	TrailingEnabled  bool
	TrailingDistance decimal.Decimal

	// Execution
	TickSize decimal.Decimal // Price-walk increment

	// Circuit breaker
	MaxDailyLoss        decimal.Decimal
	MaxConsecFailures   int
	MaxLossVelocity     decimal.Decimal // Loss per hour that trips the breaker
	BreakerStaleWindow  time.Duration   // Feed silence that trips the breaker

	// Persistence
	DatabasePath string
	DatabaseURL  string // Postgres, overrides sqlite when set

	// Metrics
	MetricsAddr string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		PolymarketAPIURL:  getEnv("POLYMARKET_API_URL", "https://gamma-api.polymarket.com"),
		PolymarketCLOBURL: getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		PolymarketWSURL:   getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),

		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),

		NormalInterval: getEnvDuration("NORMAL_INTERVAL", 30*time.Second),
		UrgentInterval: getEnvDuration("URGENT_INTERVAL", 5*time.Second),
		ProximityBand:  getEnvDecimal("PROXIMITY_BAND", decimal.NewFromFloat(0.02)),

		QuoteTTL:           getEnvDuration("QUOTE_TTL", 10*time.Second),
		StalenessThreshold: getEnvDuration("STALENESS_THRESHOLD", 2*time.Minute),
		APIBudgetPerMinute: getEnvInt("API_BUDGET_PER_MINUTE", 60),

		StopLossPct:        getEnvDecimal("STOP_LOSS_PCT", decimal.NewFromFloat(-0.15)),
		ProfitTargetPct:    getEnvDecimal("PROFIT_TARGET_PCT", decimal.NewFromFloat(0.20)),
		PartialStageOnePct: getEnvDecimal("PARTIAL_STAGE_ONE_PCT", decimal.NewFromFloat(0.15)),
		PartialStageTwoPct: getEnvDecimal("PARTIAL_STAGE_TWO_PCT", decimal.NewFromFloat(0.25)),
		UrgentExpiryWindow: getEnvDuration("URGENT_EXPIRY_WINDOW", 5*time.Minute),
		MaxSpread:          getEnvDecimal("MAX_SPREAD", decimal.NewFromFloat(0.03)),
		MinVolume:          getEnvDecimal("MIN_VOLUME", decimal.NewFromInt(50)),
		MinEdge:            getEnvDecimal("MIN_EDGE", decimal.NewFromFloat(0.02)),

		TrailingEnabled:  getEnvBool("TRAILING_ENABLED", true),
		TrailingDistance: getEnvDecimal("TRAILING_DISTANCE", decimal.NewFromFloat(0.05)),

		TickSize: getEnvDecimal("TICK_SIZE", decimal.NewFromFloat(0.01)),

		MaxDailyLoss:       getEnvDecimal("MAX_DAILY_LOSS", decimal.NewFromInt(500)),
		MaxConsecFailures:  getEnvInt("MAX_CONSEC_FAILURES", 3),
		MaxLossVelocity:    getEnvDecimal("MAX_LOSS_VELOCITY", decimal.NewFromInt(200)),
		BreakerStaleWindow: getEnvDuration("BREAKER_STALE_WINDOW", 5*time.Minute),

		DatabasePath: getEnv("DATABASE_PATH", "data/sentinel.db"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9109"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.NormalInterval < cfg.UrgentInterval {
		return nil, fmt.Errorf("NORMAL_INTERVAL %s shorter than URGENT_INTERVAL %s", cfg.NormalInterval, cfg.UrgentInterval)
	}
	if cfg.APIBudgetPerMinute <= 0 {
		return nil, fmt.Errorf("API_BUDGET_PER_MINUTE must be positive")
	}
	if cfg.TrailingDistance.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("TRAILING_DISTANCE must be positive")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
