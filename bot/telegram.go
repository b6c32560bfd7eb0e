package bot

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator alerts & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Exit notifications (full & partial, with P&L)
//   🚨 Circuit-breaker trip alerts
//   🔍 Manual-review alerts (stale data freeze)
//   🎛️ Control commands (/status, /positions, /breaker, /reset)
//
// When TELEGRAM_BOT_TOKEN is unset the bot degrades to log-only: every
// notification still lands in the structured log, nothing is dropped.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider answers the operator's queries
type StatusProvider interface {
	Positions() []types.Position
	BreakerStatus() (tripped bool, reason string, dailyLoss decimal.Decimal, consecFails int)
	ResetBreaker()
	TodayStats() (exits int, realized decimal.Decimal, err error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI // nil in log-only mode
	chatID  int64
	running bool
	stopCh  chan struct{}

	status StatusProvider
}

// NewTelegramBot creates the bot. A missing TELEGRAM_BOT_TOKEN is not an
// error: alerting falls back to the log so the sentinel still runs.
func NewTelegramBot(status StatusProvider) (*TelegramBot, error) {
	bot := &TelegramBot{
		stopCh: make(chan struct{}),
		status: status,
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Warn().Msg("📵 TELEGRAM_BOT_TOKEN not set, alerts go to log only")
		return bot, nil
	}

	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if chatIDStr == "" {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot.api = api
	bot.chatID = chatID

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return bot, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running || b.api == nil {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyExit reports a realized exit, full or partial
func (b *TelegramBot) NotifyExit(positionID string, condition types.ExitCondition, qty, price, pnl decimal.Decimal) {
	emoji := "📈"
	sign := "+"
	if pnl.IsNegative() {
		emoji = "📉"
		sign = ""
	}

	log.Info().
		Str("position", positionID).
		Str("condition", string(condition)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Str("pnl", pnl.String()).
		Msg("💰 Exit filled")

	msg := fmt.Sprintf(`%s *POSITION EXIT*

🆔 %s
📝 Reason: *%s*
📦 Qty: *%s* @ *%s¢*
💵 P&L: *%s$%s*`,
		emoji,
		positionID,
		condition,
		qty.StringFixed(0),
		price.Mul(decimal.NewFromInt(100)).StringFixed(1),
		sign, pnl.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// NotifyTrip reports a circuit-breaker trip
func (b *TelegramBot) NotifyTrip(reason string) {
	log.Error().Str("reason", reason).Msg("🚨 Circuit breaker TRIPPED")

	msg := fmt.Sprintf(`🚨 *CIRCUIT BREAKER TRIPPED*
━━━━━━━━━━━━━━━━━━━━

📝 Reason: *%s*

All positions are being flattened at CRITICAL
urgency. New entries are blocked.

Use /reset after investigating.`, reason)

	b.sendMarkdown(msg)
}

// NotifyManualReview reports a position frozen on stale data
func (b *TelegramBot) NotifyManualReview(positionID, reason string) {
	log.Error().
		Str("position", positionID).
		Str("reason", reason).
		Msg("🔍 Position frozen for manual review")

	msg := fmt.Sprintf(`🔍 *MANUAL REVIEW REQUIRED*

🆔 %s
📝 %s

Automated exits for this position are frozen
until fresh data returns.`, positionID, reason)

	b.sendMarkdown(msg)
}

// NotifyReviewCleared reports fresh data resuming a frozen position
func (b *TelegramBot) NotifyReviewCleared(positionID string) {
	log.Info().Str("position", positionID).Msg("✅ Manual-review freeze cleared")

	msg := fmt.Sprintf("✅ *REVIEW CLEARED*\n\n🆔 %s\nFresh data returned, monitoring resumed.", positionID)
	b.sendMarkdown(msg)
}

// NotifyStartup sends the boot banner
func (b *TelegramBot) NotifyStartup(mode string, positions int) {
	msg := fmt.Sprintf(`🚀 *SENTINEL STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💼 Positions recovered: *%d*

Use /help for commands`, mode, positions)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "breaker":
		b.cmdBreaker()
	case "reset":
		b.cmdReset()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *SENTINEL COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Sentinel status & today's exits
💼 /positions — Monitored positions
🔌 /breaker — Circuit breaker state
🔓 /reset — Re-arm a tripped breaker
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	mode := "LIVE"
	if os.Getenv("DRY_RUN") == "true" {
		mode = "PAPER"
	}

	open := 0
	if b.status != nil {
		open = len(b.status.Positions())
	}

	exitsStr, pnlStr := "N/A", "N/A"
	if b.status != nil {
		if exits, realized, err := b.status.TodayStats(); err == nil {
			exitsStr = strconv.Itoa(exits)
			sign := "+"
			if realized.IsNegative() {
				sign = ""
			}
			pnlStr = sign + "$" + realized.StringFixed(2)
		}
	}

	breakerStr := "🟢 ARMED"
	if b.status != nil {
		if tripped, reason, _, _ := b.status.BreakerStatus(); tripped {
			breakerStr = "🔴 TRIPPED (" + reason + ")"
		}
	}

	msg := fmt.Sprintf(`📊 *SENTINEL STATUS*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💼 Positions: *%d*
🔌 Breaker: %s

━━━━━━━━━━━━━━━━━━━━
📜 Exits today: *%s*
💵 Realized P&L: *%s*`,
		mode, open, breakerStr, exitsStr, pnlStr)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	if b.status == nil {
		b.send("❌ Positions not available")
		return
	}

	positions := b.status.Positions()
	if len(positions) == 0 {
		b.send("📭 No positions under watch")
		return
	}

	msg := "💼 *MONITORED POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"

	for i, pos := range positions {
		sideEmoji := "🟢"
		if pos.Side == "NO" {
			sideEmoji = "🔴"
		}

		sign := "+"
		if pos.PnLPct.IsNegative() {
			sign = ""
		}

		trailStr := "off"
		if pos.Trailing.Enabled {
			trailStr = fmt.Sprintf("%s @ %s¢", strings.ToLower(string(pos.Trailing.State)),
				pos.Trailing.CurrentStop.Mul(decimal.NewFromInt(100)).StringFixed(1))
		}

		msg += fmt.Sprintf(`%s *%s* — %s [%s]
💵 Entry: %s¢ | Now: %s¢ (%s%s%%)
📦 Remaining: %s/%s
🎯 Trail: %s
⏱️ Expires: %s

`,
			sideEmoji, pos.Asset, pos.Side, pos.Status,
			pos.EntryPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
			pos.CurrentPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
			sign, pos.PnLPct.Mul(decimal.NewFromInt(100)).StringFixed(1),
			pos.RemainingQty.StringFixed(0), pos.OriginalQty.StringFixed(0),
			trailStr,
			pos.ExpiryTime.Format("Jan 2 15:04"),
		)

		if i >= 4 {
			msg += fmt.Sprintf("_... and %d more_", len(positions)-5)
			break
		}
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdBreaker() {
	if b.status == nil {
		b.send("❌ Breaker status not available")
		return
	}

	tripped, reason, dailyLoss, consecFails := b.status.BreakerStatus()

	state := "🟢 ARMED"
	reasonLine := ""
	if tripped {
		state = "🔴 TRIPPED"
		reasonLine = fmt.Sprintf("\n📝 Reason: *%s*", reason)
	}

	msg := fmt.Sprintf(`🔌 *CIRCUIT BREAKER*
━━━━━━━━━━━━━━━━━━━━

%s%s
📉 Daily loss: *$%s*
❌ Consecutive failures: *%d*`,
		state, reasonLine,
		dailyLoss.StringFixed(2),
		consecFails,
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdReset() {
	if b.status == nil {
		b.send("❌ Reset not available")
		return
	}

	tripped, _, _, _ := b.status.BreakerStatus()
	if !tripped {
		b.send("🟢 Breaker is already armed")
		return
	}

	b.status.ResetBreaker()
	b.send("🔓 Breaker re-armed. New positions accepted.")
	log.Warn().Msg("🔓 Circuit breaker reset via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	if b.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	if b.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
