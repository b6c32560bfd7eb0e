package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/bot"
	"github.com/web3guy0/sentinel/core"
	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/execution"
	"github.com/web3guy0/sentinel/feeds"
	"github.com/web3guy0/sentinel/internal/config"
	"github.com/web3guy0/sentinel/internal/database"
	"github.com/web3guy0/sentinel/internal/metrics"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/types"
)

// status wires the Telegram bot's queries to the live components
type status struct {
	sup     *core.Supervisor
	breaker *risk.CircuitBreaker
	db      *database.Database
}

func (s *status) Positions() []types.Position { return s.sup.Positions() }

func (s *status) BreakerStatus() (bool, string, decimal.Decimal, int) {
	return s.breaker.Stats()
}

func (s *status) ResetBreaker() { s.sup.ResetBreaker() }

func (s *status) TodayStats() (int, decimal.Decimal, error) {
	stat, err := s.db.TodayStats()
	return stat.Exits, stat.PnL, err
}

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              SENTINEL v1.0 - POSITION EXIT MANAGER")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Ledger (positions, audit log, daily stats)
	dbPath := cfg.DatabasePath
	if cfg.DatabaseURL != "" {
		dbPath = cfg.DatabaseURL
	}
	db, err := database.New(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	log.Info().Msg("✅ Ledger initialized")

	// 2. Price data: cache + shared API budget + REST fallback + WS warm path
	cache := feeds.NewPriceCache(cfg.QuoteTTL)
	budget := feeds.NewAPIBudget(cfg.APIBudgetPerMinute)
	fetcher := feeds.NewRESTFetcher(cfg.PolymarketCLOBURL)
	quotes := feeds.NewQuoteService(cache, budget, fetcher)

	feed := feeds.NewMarketFeed(cfg.PolymarketWSURL, cache)
	feed.Start()
	log.Info().Msg("✅ Price feeds initialized")

	// 3. Venue gateway
	client, err := exec.NewClient(exec.Options{
		BaseURL:    cfg.PolymarketCLOBURL,
		APIKey:     cfg.CLOBApiKey,
		APISecret:  cfg.CLOBApiSecret,
		Passphrase: cfg.CLOBPassphrase,
		PrivateKey: cfg.WalletPrivateKey,
		DryRun:     cfg.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway")
	}
	log.Info().Bool("dry_run", cfg.DryRun).Msg("✅ Execution gateway initialized")

	// 4. Execution engine (price walking)
	engine := execution.NewEngine(client, db, execution.DefaultPolicies(), cfg.TickSize)

	// 5. Risk: evaluator, trailing stop, circuit breaker
	eval := risk.NewEvaluator(risk.Thresholds{
		StopLossPct:        cfg.StopLossPct,
		ProfitTargetPct:    cfg.ProfitTargetPct,
		StageOnePct:        cfg.PartialStageOnePct,
		StageTwoPct:        cfg.PartialStageTwoPct,
		UrgentExpiryWindow: cfg.UrgentExpiryWindow,
		MaxSpread:          cfg.MaxSpread,
		MinVolume:          cfg.MinVolume,
		MinEdge:            cfg.MinEdge,
	})
	trailing := risk.NewTrailingStop(cfg.TrailingDistance)
	breaker := risk.NewCircuitBreaker(cfg.MaxDailyLoss, cfg.MaxConsecFailures, cfg.MaxLossVelocity, cfg.BreakerStaleWindow)
	log.Info().Msg("✅ Risk layer initialized")

	// 6. Telegram bot (log-only when unconfigured)
	st := &status{breaker: breaker, db: db}
	telegram, err := bot.NewTelegramBot(st)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}

	// 7. Supervisor: one monitor actor per position
	monitorCfg := core.MonitorConfig{
		NormalInterval:     cfg.NormalInterval,
		UrgentInterval:     cfg.UrgentInterval,
		ProximityBand:      cfg.ProximityBand,
		StalenessThreshold: cfg.StalenessThreshold,
		TrailingEnabled:    cfg.TrailingEnabled,
	}
	sup := core.NewSupervisor(monitorCfg, quotes, trailing, eval, engine, breaker, engine, db, telegram, telegram, feed)
	st.sup = sup
	log.Info().Msg("✅ Supervisor initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Start(ctx)
	telegram.Start()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	log.Info().Str("addr", cfg.MetricsAddr).Msg("✅ Metrics endpoint up")

	// Recover positions persisted before the last shutdown
	recovered, err := db.LoadOpenPositions()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load open positions")
	}
	for _, pos := range recovered {
		if err := sup.AddPosition(pos); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("Recovery skip")
		}
	}
	log.Info().Int("count", len(recovered)).Msg("♻️ Open positions recovered")

	mode := "LIVE"
	if cfg.DryRun {
		mode = "PAPER"
	}
	telegram.NotifyStartup(mode, len(recovered))

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()

	waitCh := make(chan struct{})
	go func() {
		_ = sup.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Shutdown wait timed out")
	}

	telegram.Stop()
	feed.Stop()
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Ledger close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}
