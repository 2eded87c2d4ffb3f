package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for one trading session
type Config struct {
	// Mode
	DryRun bool `yaml:"dry_run"`
	Debug  bool `yaml:"debug"`

	// Logging
	LogFile string `yaml:"log_file"`

	// Assets traded each cycle
	TradingAssets []string `yaml:"trading_assets"`

	EV       EVConfig       `yaml:"ev"`
	Risk     RiskConfig     `yaml:"risk"`
	Cycle    CycleConfig    `yaml:"cycle"`
	Exit     ExitConfig     `yaml:"exit"`
	Retry    RetryConfig    `yaml:"retry"`
	Market   MarketConfig   `yaml:"market"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Chain    ChainConfig    `yaml:"chain"`
	Clob     ClobConfig     `yaml:"clob"`
	Engine   EngineConfig   `yaml:"engine"`
	Telegram TelegramConfig `yaml:"telegram"`

	// Database: postgres:// URL or sqlite path
	DatabasePath string `yaml:"database_path"`
}

// EVConfig tunes the probability blend and fee
type EVConfig struct {
	FeeRate float64 `yaml:"fee_rate"`
}

// RiskConfig holds validator limits and sizing
type RiskConfig struct {
	MaxTotalExposure decimal.Decimal `yaml:"max_total_exposure"`
	MaxPositionSize  decimal.Decimal `yaml:"max_position_size"`
	MinTradeSize     decimal.Decimal `yaml:"min_trade_size"`
	DrawdownLimit    decimal.Decimal `yaml:"drawdown_limit"`
	Bankroll         decimal.Decimal `yaml:"bankroll"`
	BaseStakePct     decimal.Decimal `yaml:"base_stake_pct"`
}

// CycleConfig holds state machine thresholds and tier multipliers
type CycleConfig struct {
	HarvestMinEV     float64 `yaml:"harvest_min_ev"`
	StrikeMinEV      float64 `yaml:"strike_min_ev"`
	StrikeMinProb    float64 `yaml:"strike_min_prob"`
	HarvestStrikeEV  float64 `yaml:"harvest_strike_ev"`
	HarvestMinWins   int     `yaml:"harvest_min_wins"`
	ObserveStakeMult float64 `yaml:"observe_stake_mult"`
	HarvestStakeMult float64 `yaml:"harvest_stake_mult"`
	StrikeStakeMult  float64 `yaml:"strike_stake_mult"`
}

// ExitConfig tunes the exit monitor
type ExitConfig struct {
	ReversalConfidence float64         `yaml:"reversal_confidence"`
	DrainConfidence    float64         `yaml:"drain_confidence"`
	StopLossFraction   decimal.Decimal `yaml:"stop_loss_fraction"`
	PollInterval       time.Duration   `yaml:"poll_interval"`
}

// RetryConfig is shared by market and chain calls
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	BackoffStep time.Duration `yaml:"backoff_step"`
}

// MarketConfig points at the market data API
type MarketConfig struct {
	GammaURL      string  `yaml:"gamma_url"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// OracleConfig points at the verdict stream
type OracleConfig struct {
	URL    string        `yaml:"url"`
	MaxAge time.Duration `yaml:"max_age"`
}

// ChainConfig configures on-chain redemption
type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	PrivateKey      string        `yaml:"-"`
	ChainID         int64         `yaml:"chain_id"`
	CTFAddress      string        `yaml:"ctf_address"`
	CollateralToken string        `yaml:"collateral_token"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	RedeemInterval  time.Duration `yaml:"redeem_interval"`
}

// ClobConfig configures live order placement; paper mode ignores it
type ClobConfig struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"-"`
	APISecret     string `yaml:"-"`
	Passphrase    string `yaml:"-"`
	FunderAddress string `yaml:"funder_address"`
	SignatureType int    `yaml:"signature_type"`
	SlippageBps   int    `yaml:"slippage_bps"`
}

// EngineConfig controls the decision loop cadence
type EngineConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// Entries are only taken while at least this much of the window remains
	MinTimeRemaining time.Duration `yaml:"min_time_remaining"`
	MaxTimeRemaining time.Duration `yaml:"max_time_remaining"`
}

// TelegramConfig is optional; empty token disables the bot
type TelegramConfig struct {
	Token  string `yaml:"-"`
	ChatID int64  `yaml:"chat_id"`
}

// Default returns a config populated with the built-in defaults
func Default() *Config {
	return &Config{
		DryRun:        true,
		TradingAssets: []string{"BTC"},
		EV: EVConfig{
			FeeRate: 0.02,
		},
		Risk: RiskConfig{
			MaxTotalExposure: decimal.NewFromFloat(0.75),
			MaxPositionSize:  decimal.NewFromFloat(0.75),
			MinTradeSize:     decimal.NewFromFloat(1.10),
			DrawdownLimit:    decimal.NewFromFloat(0.25),
			Bankroll:         decimal.NewFromInt(100),
			BaseStakePct:     decimal.NewFromFloat(0.05),
		},
		Cycle: CycleConfig{
			HarvestMinEV:     0.01,
			StrikeMinEV:      0.10,
			StrikeMinProb:    0.85,
			HarvestStrikeEV:  0.12,
			HarvestMinWins:   3,
			ObserveStakeMult: 0,
			HarvestStakeMult: 1,
			StrikeStakeMult:  2,
		},
		Exit: ExitConfig{
			ReversalConfidence: 0.60,
			DrainConfidence:    0.15,
			StopLossFraction:   decimal.NewFromFloat(0.15),
			PollInterval:       2 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Timeout:     10 * time.Second,
			BackoffStep: 2 * time.Second,
		},
		Market: MarketConfig{
			GammaURL:      "https://gamma-api.polymarket.com",
			RatePerSecond: 10,
			Burst:         5,
		},
		Oracle: OracleConfig{
			MaxAge: 60 * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:          "https://polygon-rpc.com",
			ChainID:         137,
			CTFAddress:      "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045",
			CollateralToken: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			ConfirmTimeout:  90 * time.Second,
			RedeemInterval:  3 * time.Minute,
		},
		Clob: ClobConfig{
			URL:         "https://clob.polymarket.com",
			SlippageBps: 10,
		},
		Engine: EngineConfig{
			TickInterval:     5 * time.Second,
			MinTimeRemaining: 60 * time.Second,
			MaxTimeRemaining: 840 * time.Second,
		},
		DatabasePath: "data/cyclebot.db",
	}
}

// Load loads configuration: defaults, then CONFIG_FILE (YAML) if set, then env vars.
// Call godotenv.Load() before this to pick up a .env file.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DryRun = getEnvBool("DRY_RUN", cfg.DryRun)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	if assets := os.Getenv("TRADING_ASSETS"); assets != "" {
		cfg.TradingAssets = parseAssets(assets)
	}

	// EV
	cfg.EV.FeeRate = getEnvFloat("FEE_RATE", cfg.EV.FeeRate)

	// Risk
	cfg.Risk.MaxTotalExposure = getEnvDecimal("MAX_TOTAL_EXPOSURE", cfg.Risk.MaxTotalExposure)
	cfg.Risk.MaxPositionSize = getEnvDecimal("MAX_POSITION_SIZE", cfg.Risk.MaxPositionSize)
	cfg.Risk.MinTradeSize = getEnvDecimal("MIN_TRADE_SIZE", cfg.Risk.MinTradeSize)
	cfg.Risk.DrawdownLimit = getEnvDecimal("DRAWDOWN_LIMIT", cfg.Risk.DrawdownLimit)
	cfg.Risk.Bankroll = getEnvDecimal("BANKROLL", cfg.Risk.Bankroll)
	cfg.Risk.BaseStakePct = getEnvDecimal("BASE_STAKE_PCT", cfg.Risk.BaseStakePct)

	// Cycle state machine
	cfg.Cycle.HarvestMinEV = getEnvFloat("HARVEST_MIN_EV", cfg.Cycle.HarvestMinEV)
	cfg.Cycle.StrikeMinEV = getEnvFloat("STRIKE_MIN_EV", cfg.Cycle.StrikeMinEV)
	cfg.Cycle.StrikeMinProb = getEnvFloat("STRIKE_MIN_PROB", cfg.Cycle.StrikeMinProb)
	cfg.Cycle.HarvestStrikeEV = getEnvFloat("HARVEST_STRIKE_EV", cfg.Cycle.HarvestStrikeEV)
	cfg.Cycle.HarvestMinWins = getEnvInt("HARVEST_MIN_WINS", cfg.Cycle.HarvestMinWins)
	cfg.Cycle.ObserveStakeMult = getEnvFloat("OBSERVE_STAKE_MULT", cfg.Cycle.ObserveStakeMult)
	cfg.Cycle.HarvestStakeMult = getEnvFloat("HARVEST_STAKE_MULT", cfg.Cycle.HarvestStakeMult)
	cfg.Cycle.StrikeStakeMult = getEnvFloat("STRIKE_STAKE_MULT", cfg.Cycle.StrikeStakeMult)

	// Exit monitor
	cfg.Exit.ReversalConfidence = getEnvFloat("REVERSAL_CONFIDENCE", cfg.Exit.ReversalConfidence)
	cfg.Exit.DrainConfidence = getEnvFloat("DRAIN_CONFIDENCE", cfg.Exit.DrainConfidence)
	cfg.Exit.StopLossFraction = getEnvDecimal("STOP_LOSS_FRACTION", cfg.Exit.StopLossFraction)
	cfg.Exit.PollInterval = getEnvDuration("EXIT_POLL_INTERVAL", cfg.Exit.PollInterval)

	// Retry
	cfg.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.Timeout = getEnvDuration("RETRY_TIMEOUT", cfg.Retry.Timeout)
	cfg.Retry.BackoffStep = getEnvDuration("RETRY_BACKOFF_STEP", cfg.Retry.BackoffStep)

	// Market / oracle
	cfg.Market.GammaURL = getEnv("POLYMARKET_API_URL", cfg.Market.GammaURL)
	cfg.Market.RatePerSecond = getEnvFloat("MARKET_RATE_PER_SEC", cfg.Market.RatePerSecond)
	cfg.Oracle.URL = getEnv("ORACLE_WS_URL", cfg.Oracle.URL)
	cfg.Oracle.MaxAge = getEnvDuration("ORACLE_MAX_AGE", cfg.Oracle.MaxAge)

	// Chain
	cfg.Chain.RPCURL = getEnv("POLYGON_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.PrivateKey = getEnv("WALLET_PRIVATE_KEY", cfg.Chain.PrivateKey)
	cfg.Chain.ChainID = int64(getEnvInt("CHAIN_ID", int(cfg.Chain.ChainID)))
	cfg.Chain.CTFAddress = getEnv("CTF_ADDRESS", cfg.Chain.CTFAddress)
	cfg.Chain.CollateralToken = getEnv("COLLATERAL_TOKEN", cfg.Chain.CollateralToken)
	cfg.Chain.ConfirmTimeout = getEnvDuration("CONFIRM_TIMEOUT", cfg.Chain.ConfirmTimeout)
	cfg.Chain.RedeemInterval = getEnvDuration("REDEEM_INTERVAL", cfg.Chain.RedeemInterval)

	// CLOB
	cfg.Clob.URL = getEnv("CLOB_API_URL", cfg.Clob.URL)
	cfg.Clob.APIKey = getEnv("POLY_API_KEY", cfg.Clob.APIKey)
	cfg.Clob.APISecret = getEnv("POLY_API_SECRET", cfg.Clob.APISecret)
	cfg.Clob.Passphrase = getEnv("POLY_PASSPHRASE", cfg.Clob.Passphrase)
	cfg.Clob.FunderAddress = getEnv("POLY_FUNDER_ADDRESS", cfg.Clob.FunderAddress)
	cfg.Clob.SignatureType = getEnvInt("POLY_SIGNATURE_TYPE", cfg.Clob.SignatureType)
	cfg.Clob.SlippageBps = getEnvInt("SLIPPAGE_BPS", cfg.Clob.SlippageBps)

	// Engine
	cfg.Engine.TickInterval = getEnvDuration("TICK_INTERVAL", cfg.Engine.TickInterval)
	cfg.Engine.MinTimeRemaining = getEnvDuration("MIN_TIME_REMAINING", cfg.Engine.MinTimeRemaining)
	cfg.Engine.MaxTimeRemaining = getEnvDuration("MAX_TIME_REMAINING", cfg.Engine.MaxTimeRemaining)

	// Telegram
	cfg.Telegram.Token = getEnv("TELEGRAM_BOT_TOKEN", cfg.Telegram.Token)
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}

	// Database
	cfg.DatabasePath = getEnv("DATABASE_URL", getEnv("DATABASE_PATH", cfg.DatabasePath))
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if len(c.TradingAssets) == 0 {
		return fmt.Errorf("at least one trading asset is required")
	}
	if c.EV.FeeRate < 0 || c.EV.FeeRate >= 1 {
		return fmt.Errorf("fee rate must be in [0,1), got %v", c.EV.FeeRate)
	}
	if !c.Risk.MinTradeSize.IsPositive() {
		return fmt.Errorf("min trade size must be positive")
	}
	if !c.Risk.Bankroll.IsPositive() {
		return fmt.Errorf("bankroll must be positive")
	}
	if !c.Risk.DrawdownLimit.IsPositive() || c.Risk.DrawdownLimit.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("drawdown limit must be in (0,1]")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	if c.Retry.Timeout <= 0 {
		return fmt.Errorf("retry timeout must be positive")
	}
	if c.Engine.TickInterval <= 0 || c.Exit.PollInterval <= 0 {
		return fmt.Errorf("tick and exit poll intervals must be positive")
	}
	if !c.DryRun && (c.Chain.PrivateKey == "" || c.Clob.APIKey == "") {
		return fmt.Errorf("live mode needs WALLET_PRIVATE_KEY and POLY_API_KEY")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

func parseAssets(raw string) []string {
	var assets []string
	for _, a := range strings.Split(raw, ",") {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a != "" {
			assets = append(assets, a)
		}
	}
	return assets
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
