package bot

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/core"
	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Position notifications (open/exit/resolution)
//   🧟 Crash-orphan alerts and /recovery queue handling
//   🏦 Redemption confirmations
//   🎛️ Control commands (/status, /stats, /positions, /pause, /resume)
//
// Only the configured chat is answered.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Controller is the engine surface the bot reads and drives
type Controller interface {
	GetStats() core.Stats
	GetOpenPositions() []types.Position
	GetRecoveryQueue() []types.Position
	DrainRecovery(id, reason string) (*types.Position, error)
	SetPaused(paused bool)
}

type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	out     messenger
	chatID  int64
	mode    string
	running bool
	stopCh  chan struct{}

	engine Controller
	now    func() time.Time
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(cfg config.TelegramConfig, engine Controller, dryRun bool) (*TelegramBot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := newTelegramBot(api, cfg.ChatID, engine, dryRun)
	bot.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

func newTelegramBot(out messenger, chatID int64, engine Controller, dryRun bool) *TelegramBot {
	mode := "LIVE"
	if dryRun {
		mode = "PAPER"
	}
	return &TelegramBot{
		out:    out,
		chatID: chatID,
		mode:   mode,
		stopCh: make(chan struct{}),
		engine: engine,
		now:    time.Now,
	}
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
	b.api.StopReceivingUpdates()
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyOpen sends an entry alert
func (b *TelegramBot) NotifyOpen(pos *types.Position) {
	msg := fmt.Sprintf(`%s *POSITION OPENED*

📊 *%s* — %s
━━━━━━━━━━━━━━━━
💵 Entry: *%s¢*
📦 Stake: *$%s*
🎚️ Tier: *%s*`,
		sideEmoji(pos.Direction),
		pos.Asset, pos.Direction,
		cents(pos.EntryPrice),
		pos.Stake.StringFixed(2),
		pos.Aggressiveness,
	)

	b.sendMarkdown(msg)
}

// NotifyExit sends a close or resolution alert
func (b *TelegramBot) NotifyExit(pos *types.Position) {
	emoji := "📈"
	if !pos.PnL.IsPositive() {
		emoji = "📉"
	}

	msg := fmt.Sprintf(`%s *TRADE CLOSED*

📊 %s %s
🚪 Reason: *%s*
💵 %s¢ → %s¢
💰 P&L: *%s*`,
		emoji,
		pos.Asset, pos.Direction,
		escape(pos.ExitReason),
		cents(pos.EntryPrice), cents(pos.ExitPrice),
		signed(pos.PnL),
	)

	b.sendMarkdown(msg)
}

// NotifyOrphans reports positions carried over from a crashed run
func (b *TelegramBot) NotifyOrphans(positions []*types.Position) {
	if len(positions) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString("🧟 *ORPHANED BY CRASH*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, pos := range positions {
		fmt.Fprintf(&sb, "%s %s %s @ %s¢ · $%s\n`%s`\n\n",
			sideEmoji(pos.Direction), pos.Asset, pos.Direction,
			cents(pos.EntryPrice), pos.Stake.StringFixed(2), pos.ID)
	}
	sb.WriteString("Handle manually, then /drain <id>")

	b.sendMarkdown(sb.String())
}

// NotifyRedeemed confirms a claimed payout
func (b *TelegramBot) NotifyRedeemed(asset, conditionID, txHash string) {
	msg := fmt.Sprintf("🏦 *REDEEMED*\n\n📊 %s\n🔗 `%s`\n🧾 `%s`", asset, short(conditionID), txHash)
	b.sendMarkdown(msg)
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(assets []string) {
	bankroll := "N/A"
	if b.engine != nil {
		bankroll = "$" + b.engine.GetStats().Risk.Bankroll.StringFixed(2)
	}

	msg := fmt.Sprintf(`🚀 *CYCLEBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🪙 Assets: *%s*
💰 Bankroll: *%s*

Use /help for commands`, b.mode, strings.Join(assets, ", "), bankroll)

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
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message.Command(), update.Message.CommandArguments())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd, args string) {
	switch strings.ToLower(cmd) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "stats":
		b.cmdStats()
	case "positions":
		b.cmdPositions()
	case "recovery":
		b.cmdRecovery()
	case "drain":
		b.cmdDrain(args)
	case "pause":
		b.engine.SetPaused(true)
		b.send("⏸️ Entries paused")
		log.Info().Msg("Trading paused via Telegram")
	case "resume":
		b.engine.SetPaused(false)
		b.send("▶️ Entries resumed")
		log.Info().Msg("Trading resumed via Telegram")
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *CYCLEBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
📈 /stats — Trading statistics
💼 /positions — Open positions
🧟 /recovery — Crash recovery queue
🧹 /drain <id> — Remove a handled orphan
⏸️ /pause — Pause entries
▶️ /resume — Resume entries
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	stats := b.engine.GetStats()

	status := "🟢 RUNNING"
	switch {
	case !stats.Recovered:
		status = "🟡 RECOVERING"
	case stats.Halted:
		status = "🛑 DRAWDOWN HALT"
	case stats.Paused:
		status = "⏸️ PAUSED"
	}

	var tiers []string
	for asset, tier := range stats.Tiers {
		tiers = append(tiers, fmt.Sprintf("%s: %s", asset, tier))
	}
	sort.Strings(tiers)

	msg := fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
💰 Bankroll: *$%s*
📦 Exposure: *$%s*
💼 Open: *%d* | 🧟 Queue: *%d*
🎚️ %s`,
		status, b.mode,
		stats.Risk.Bankroll.StringFixed(2),
		stats.Risk.Exposure.StringFixed(2),
		stats.Open, stats.RecoveryQueue,
		strings.Join(tiers, " | "),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStats() {
	stats := b.engine.GetStats()

	closed := stats.Wins + stats.Losses
	winRate := float64(0)
	if closed > 0 {
		winRate = float64(stats.Wins) / float64(closed) * 100
	}

	msg := fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Total Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 Session P&L: *%s*
💰 Peak: *$%s*`,
		stats.Trades, stats.Wins, stats.Losses, winRate,
		signed(stats.PnL),
		stats.Risk.Peak.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	positions := b.engine.GetOpenPositions()
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")

	for i, pos := range positions {
		if i == 5 {
			fmt.Fprintf(&sb, "_... and %d more_", len(positions)-5)
			break
		}
		fmt.Fprintf(&sb, "%s *%s* — %s\n💵 Entry: %s¢ | Stake: $%s\n⏱️ Held: %v\n\n",
			sideEmoji(pos.Direction), pos.Asset, pos.Direction,
			cents(pos.EntryPrice), pos.Stake.StringFixed(2),
			b.now().Sub(pos.OpenedAt).Round(time.Second),
		)
	}

	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdRecovery() {
	queue := b.engine.GetRecoveryQueue()
	if len(queue) == 0 {
		b.send("✅ Recovery queue is empty")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🧟 *RECOVERY QUEUE* (%d)\n━━━━━━━━━━━━━━━━━━━━\n\n", len(queue))
	for _, pos := range queue {
		fmt.Fprintf(&sb, "%s %s %s · $%s · %s\n`%s`\n\n",
			sideEmoji(pos.Direction), pos.Asset, pos.Direction,
			pos.Stake.StringFixed(2),
			pos.OpenedAt.UTC().Format("Jan 2 15:04"),
			pos.ID,
		)
	}
	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdDrain(args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.send("Usage: /drain <id> [reason]")
		return
	}

	reason := "manual"
	if len(fields) > 1 {
		reason = strings.Join(fields[1:], " ")
	}

	pos, err := b.engine.DrainRecovery(fields[0], reason)
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send(fmt.Sprintf("🧹 Drained %s %s %s", pos.Asset, pos.Direction, pos.ID))
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

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func sideEmoji(dir types.Direction) string {
	if dir == types.DirectionDown {
		return "🔴"
	}
	return "🟢"
}

func cents(price decimal.Decimal) string {
	return price.Mul(decimal.NewFromInt(100)).StringFixed(1)
}

func signed(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + v.Abs().StringFixed(2)
	}
	return "+$" + v.StringFixed(2)
}

// escape keeps exit reasons like STOP_LOSS_HIT from opening italics
func escape(s string) string {
	return strings.ReplaceAll(s, "_", "\\_")
}

func short(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}
