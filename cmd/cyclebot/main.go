// Cyclebot - per-window decision engine for 15-minute UP/DOWN markets
//
// Every tick, for each asset:
// 1. Read the oracle verdict and the current window's prices
// 2. Score the predicted side with a fee-adjusted EV
// 3. Step the OBSERVE → HARVEST → STRIKE state machine
// 4. Size by tier, validate against bankroll and exposure, execute
//
// Open positions are watched for reversals, confidence drains and stop
// losses; winners are redeemed on-chain after resolution.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/web3guy0/cyclebot/bot"
	"github.com/web3guy0/cyclebot/core"
	"github.com/web3guy0/cyclebot/exec"
	"github.com/web3guy0/cyclebot/execution"
	"github.com/web3guy0/cyclebot/feeds"
	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/retry"
	"github.com/web3guy0/cyclebot/risk"
	"github.com/web3guy0/cyclebot/settlement"
	"github.com/web3guy0/cyclebot/storage"
)

const version = "1.0.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg)

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("                   CYCLEBOT v%s", version)
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	policy := retry.Policy{
		Name:        "adapter",
		MaxAttempts: cfg.Retry.MaxAttempts,
		Timeout:     cfg.Retry.Timeout,
		Backoff:     retry.Linear(cfg.Retry.BackoffStep),
	}

	// 1. Storage
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	// 2. Market data + oracle
	market := feeds.NewMarketClient(cfg.Market, policy)
	oracle := feeds.NewOracleFeed(cfg.Oracle)
	oracle.Start()
	defer oracle.Stop()

	// 3. Execution
	var placer execution.OrderPlacer
	if !cfg.DryRun {
		client, err := exec.NewClient(cfg.Clob, cfg.Chain.PrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize execution client")
		}
		placer = client
	}
	orderPolicy := policy
	orderPolicy.Name = "orders"
	executor := execution.NewExecutor(placer, orderPolicy, execution.ExecutorConfig{
		PaperMode:   cfg.DryRun,
		SlippageBps: cfg.Clob.SlippageBps,
	})

	// 4. Risk
	riskMgr := risk.NewManager(cfg.Risk)

	// 5. Engine
	engine := core.NewEngine(cfg, core.Deps{
		Market:   market,
		Oracle:   oracle,
		Executor: executor,
		Risk:     riskMgr,
		DB:       db,
	})

	// 6. Settlement
	var submitter settlement.ChainSubmitter
	if cfg.Chain.PrivateKey != "" {
		ctf, err := settlement.NewCTFClient(ctx, cfg.Chain)
		if err != nil {
			log.Error().Err(err).Msg("CTF client unavailable, redemption disabled")
		} else {
			submitter = ctf
		}
	}
	chainPolicy := policy
	chainPolicy.Name = "redeem"
	redeemer := settlement.NewRedeemer(submitter, cfg.Chain, chainPolicy, db, market)

	// 7. Telegram (optional)
	var telegram *bot.TelegramBot
	if cfg.Telegram.Token != "" {
		telegram, err = bot.NewTelegramBot(cfg.Telegram, engine, cfg.DryRun)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			engine.SetTradeNotifier(telegram)
			redeemer.SetNotifier(telegram)
			telegram.Start()
			defer telegram.Stop()
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// RECOVER + START
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := engine.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("Position recovery failed")
	}
	oracle.OnReconnect(func() {
		if err := engine.Recover(ctx); err != nil {
			log.Error().Err(err).Msg("❌ Reconciliation after reconnect failed")
		}
	})

	mode := "LIVE TRADING"
	if cfg.DryRun {
		mode = "PAPER TRADING"
	}
	log.Info().
		Str("mode", mode).
		Strs("assets", cfg.TradingAssets).
		Str("bankroll", riskMgr.Bankroll().StringFixed(2)).
		Msg("🚀 All systems running...")

	if telegram != nil {
		telegram.NotifyStartup(cfg.TradingAssets)
	}

	if submitter != nil {
		go redeemer.Run(ctx, cfg.Chain.RedeemInterval)
	}

	if err := engine.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Engine stopped with error")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	stats := engine.GetStats()
	log.Info().
		Int("trades", stats.Trades).
		Int("wins", stats.Wins).
		Int("losses", stats.Losses).
		Str("pnl", stats.PnL.StringFixed(2)).
		Int("open", stats.Open).
		Msg("🛑 Shutting down...")
	log.Info().Msg("👋 Goodbye!")
}

func setupLogging(cfg *config.Config) {
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.LogFile == "" {
		return
	}

	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()
}
