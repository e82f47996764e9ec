package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/rangebot/core"
	"github.com/web3guy0/rangebot/feeds"
	"github.com/web3guy0/rangebot/storage"
	"github.com/web3guy0/rangebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Entry / exit notifications
//   🎛️ Commands: /status /stats /positions /trades /pause /resume /ping
//
// Only the configured chat is answered. A nil *TelegramBot is a no-op
// notifier. Notifications are queued and delivered by Run, so a slow or
// unreachable Telegram never stalls the trading loop; when the queue is
// full the alert is dropped and logged.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider reads the position store
type StatsProvider interface {
	GetStats(ctx context.Context) (storage.Stats, error)
	GetOpenPositions(ctx context.Context) ([]*types.Position, error)
	RecentPositions(ctx context.Context, limit int) ([]*types.Position, error)
}

// EngineStatus is the live view of the trading loop
type EngineStatus interface {
	IsLive() bool
	IsPaused() bool
	LastReport() (core.CycleReport, int)
	Pause()
	Resume()
}

const (
	pollTimeoutSec = 30
	// Must outlast the long poll, or every idle getUpdates call errors.
	httpTimeout    = (pollTimeoutSec + 15) * time.Second
	outboxSize     = 64
)

// sender is the part of the Telegram API the bot uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	out     sender
	outbox  chan tgbotapi.MessageConfig
	chatID  int64
	running bool

	stats  StatsProvider
	engine EngineStatus
}

// NewTelegramBot connects to Telegram. stats and engine may be nil; the
// matching commands then reply "not available".
func NewTelegramBot(token string, chatID int64, stats StatsProvider, engine EngineStatus) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, newHTTPClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return &TelegramBot{
		api:    api,
		out:    api,
		outbox: make(chan tgbotapi.MessageConfig, outboxSize),
		chatID: chatID,
		stats:  stats,
		engine: engine,
	}, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// SetEngine attaches the trading loop for /status, /pause and /resume
func (b *TelegramBot) SetEngine(engine EngineStatus) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.engine = engine
}

// Run listens for commands until ctx is cancelled. A second call while the
// first is running returns immediately.
func (b *TelegramBot) Run(ctx context.Context) error {
	if b == nil || b.api == nil {
		return nil
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	log.Info().Msg("📱 Telegram bot started")
	go b.deliver(ctx)
	b.commandLoop(ctx)
	return nil
}

// deliver drains queued notifications until ctx is done
func (b *TelegramBot) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.outbox:
			if _, err := b.out.Send(msg); err != nil {
				log.Error().Err(err).Msg("Failed to send Telegram message")
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyEntry sends a position-opened alert
func (b *TelegramBot) NotifyEntry(pos *types.Position) {
	if b == nil {
		return
	}
	b.sendMarkdown(formatEntry(pos))
}

// NotifyExit sends a position-closed alert
func (b *TelegramBot) NotifyExit(pos *types.Position, reason string) {
	if b == nil {
		return
	}
	b.sendMarkdown(formatExit(pos, reason))
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(mode, series string) {
	if b == nil {
		return
	}
	b.sendMarkdown(fmt.Sprintf(`🚀 *RANGEBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🎯 Series: *%s*

Use /help for commands`, mode, series))
}

func formatEntry(pos *types.Position) string {
	return fmt.Sprintf(`%s *OPENED %s*

📊 %s
💵 Entry: *%s¢* × %d
📦 Cost: *$%s*
📝 %s`,
		sideEmoji(pos.Side), pos.Side,
		pos.Ticker,
		cents(pos.EntryPrice), pos.Quantity,
		pos.Cost().StringFixed(2),
		pos.Rationale,
	)
}

func formatExit(pos *types.Position, reason string) string {
	emoji := "📊"
	switch reason {
	case "TAKE_PROFIT":
		emoji = "💰"
	case "STOP_LOSS", "MODEL_REVERSAL":
		emoji = "🛑"
	case "SETTLED":
		emoji = "🏁"
	case "RECONCILED":
		emoji = "🔄"
	}

	exit := pos.EntryPrice
	if pos.ExitValue.Valid {
		exit = pos.ExitValue.Decimal
	}
	pnl := pos.PnLAt(exit)

	return fmt.Sprintf(`%s *%s*

📊 %s %s
💵 %s¢ → %s¢ × %d
💵 P&L: *%s*`,
		emoji, reason,
		pos.Ticker, pos.Side,
		cents(pos.EntryPrice), cents(exit), pos.Quantity,
		storage.FormatPnL(pnl),
	)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSec

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Telegram bot stopped")
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.send(b.reply(ctx, update.Message.Command()))
		}
	}
}

// reply builds the response text for a command
func (b *TelegramBot) reply(ctx context.Context, command string) string {
	b.mu.Lock()
	engine := b.engine
	b.mu.Unlock()

	switch strings.ToLower(command) {
	case "start", "help":
		return helpText
	case "status":
		return cmdStatus(engine)
	case "stats":
		return b.cmdStats(ctx)
	case "positions":
		return b.cmdPositions(ctx)
	case "trades":
		return b.cmdTrades(ctx)
	case "pause":
		if engine == nil {
			return "❌ Engine not available"
		}
		engine.Pause()
		return "⏸️ Entries paused - exits still monitored"
	case "resume":
		if engine == nil {
			return "❌ Engine not available"
		}
		engine.Resume()
		return "▶️ Entries resumed"
	case "ping":
		return "🏓 Pong!"
	default:
		return "❓ Unknown command. Use /help"
	}
}

const helpText = `🤖 RANGEBOT COMMANDS

📊 /status - Loop status and last cycle
📈 /stats - Win/loss and realized P&L
💼 /positions - Open positions
📜 /trades - Last 10 positions
⏸️ /pause - Stop new entries
▶️ /resume - Allow new entries
🏓 /ping - Test connection`

func cmdStatus(engine EngineStatus) string {
	if engine == nil {
		return "❌ Status not available"
	}

	mode := "PAPER"
	if engine.IsLive() {
		mode = "LIVE"
	}
	state := "🟢 RUNNING"
	if engine.IsPaused() {
		state = "⏸️ PAUSED"
	}

	rep, n := engine.LastReport()
	if n == 0 {
		return fmt.Sprintf("%s | %s\nNo cycle completed yet", state, mode)
	}

	skipped := rep.SkipReason
	if skipped == "" {
		skipped = "-"
	}
	return fmt.Sprintf(`%s | %s
Cycle #%d at %s
💰 Balance: $%s | Exposure: $%s (%s%% / cap %s%%)
📈 Value: %.2f | Ann vol: %.1f%% | Samples: %d/%d
🔍 Candidates: %d | Opened: %d | Closed: %d
⏭️ Skipped: %s`,
		state, mode,
		n, rep.Started.Format("15:04:05"),
		rep.Balance.StringFixed(2), rep.Exposure.StringFixed(2),
		pctString(rep.Fraction), pctString(rep.Cap),
		rep.Value, feeds.PerMinuteToAnnual(rep.VolPerMin)*100, rep.Samples, rep.WindowCap,
		rep.Candidates, rep.Opened, rep.Closed,
		skipped,
	)
}

func pctString(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(0)
}

func (b *TelegramBot) cmdStats(ctx context.Context) string {
	if b.stats == nil {
		return "❌ Stats not available"
	}
	s, err := b.stats.GetStats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Stats query failed")
		return "❌ Failed to fetch stats"
	}

	winRate := 0.0
	if decided := s.Wins + s.Losses; decided > 0 {
		winRate = float64(s.Wins) / float64(decided) * 100
	}

	return fmt.Sprintf(`📈 TRADING STATS

💼 Open: %d | Closed: %d
✅ Wins: %d | ❌ Losses: %d
📈 Win Rate: %.1f%%
💵 Realized P&L: %s`,
		s.Open, s.Closed, s.Wins, s.Losses, winRate, storage.FormatPnL(s.TotalPnL))
}

func (b *TelegramBot) cmdPositions(ctx context.Context) string {
	if b.stats == nil {
		return "❌ Positions not available"
	}
	positions, err := b.stats.GetOpenPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Positions query failed")
		return "❌ Failed to fetch positions"
	}
	if len(positions) == 0 {
		return "📭 No open positions"
	}

	var sb strings.Builder
	sb.WriteString("💼 OPEN POSITIONS\n\n")
	for i, pos := range positions {
		if i >= 10 {
			fmt.Fprintf(&sb, "... and %d more", len(positions)-10)
			break
		}
		fmt.Fprintf(&sb, "%s %s %s @ %s¢ × %d (%s)\n",
			sideEmoji(pos.Side), pos.Ticker, pos.Side,
			cents(pos.EntryPrice), pos.Quantity,
			time.Since(pos.EntryTime).Round(time.Minute))
	}
	return sb.String()
}

func (b *TelegramBot) cmdTrades(ctx context.Context) string {
	if b.stats == nil {
		return "❌ Trades not available"
	}
	positions, err := b.stats.RecentPositions(ctx, 10)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Trades query failed")
		return "❌ Failed to fetch trades"
	}
	if len(positions) == 0 {
		return "📭 No trade history yet"
	}

	var sb strings.Builder
	sb.WriteString("📜 LAST 10 TRADES\n\n")
	for _, p := range positions {
		result := "open"
		if p.Status == types.StatusClosed && p.RealizedPnL.Valid {
			result = p.ExitReason + " " + storage.FormatPnL(p.RealizedPnL.Decimal)
		}
		fmt.Fprintf(&sb, "%s %s %s @ %s¢ | %s\n   %s\n",
			sideEmoji(p.Side), p.Ticker, p.Side, cents(p.EntryPrice), result,
			p.EntryTime.Format("Jan 2 15:04"))
	}
	return sb.String()
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

// sendMarkdown queues a notification. Without an outbox it sends inline.
func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if b.outbox == nil {
		if _, err := b.out.Send(msg); err != nil {
			log.Error().Err(err).Msg("Failed to send Telegram message")
		}
		return
	}
	select {
	case b.outbox <- msg:
	default:
		log.Warn().Int("queued", len(b.outbox)).Msg("⚠️ Telegram outbox full - dropping notification")
	}
}

func sideEmoji(side types.Side) string {
	if side == types.SideNo {
		return "🔴"
	}
	return "🟢"
}

func cents(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(0)
}
