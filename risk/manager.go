package risk

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK MANAGER - Session bankroll, peak and open exposure
// ═══════════════════════════════════════════════════════════════════════════════
//
// Responsibilities:
// 1. Size stakes from the aggressiveness tier
// 2. Validate stakes against bankroll and exposure
// 3. Track peak equity for the drawdown query
//
// Bankroll is free collateral; exposure is collateral locked in open positions.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Stats is a point-in-time view of the session's capital
type Stats struct {
	Bankroll        decimal.Decimal
	Exposure        decimal.Decimal
	Peak            decimal.Decimal
	RealizedPnL     decimal.Decimal
	ConsecutiveLoss int
	DrawdownHit     bool
}

type Manager struct {
	mu sync.RWMutex

	validator *Validator
	sizer     *Sizer

	// State
	bankroll        decimal.Decimal
	exposure        decimal.Decimal
	peak            decimal.Decimal
	realizedPnL     decimal.Decimal
	consecutiveLoss int
}

// NewManager creates a new risk manager
func NewManager(cfg config.RiskConfig) *Manager {
	mgr := &Manager{
		validator: NewValidator(cfg),
		sizer:     NewSizer(cfg.BaseStakePct, cfg.MinTradeSize),
		bankroll:  cfg.Bankroll,
		peak:      cfg.Bankroll,
	}

	log.Info().
		Str("bankroll", "$"+cfg.Bankroll.StringFixed(2)).
		Str("max_exposure", cfg.MaxTotalExposure.Mul(decimal.NewFromInt(100)).String()+"%").
		Str("max_position", cfg.MaxPositionSize.Mul(decimal.NewFromInt(100)).String()+"%").
		Str("drawdown_limit", cfg.DrawdownLimit.Mul(decimal.NewFromInt(100)).String()+"%").
		Msg("🛡️ Risk manager initialized")

	return mgr
}

// Validator exposes the underlying pure checks
func (rm *Manager) Validator() *Validator {
	return rm.validator
}

// CalculateSize returns the stake for a tier multiplier at the current bankroll
func (rm *Manager) CalculateSize(multiplier float64) decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.sizer.Calculate(rm.bankroll, multiplier)
}

// ValidateTrade checks a stake against the live bankroll and exposure
func (rm *Manager) ValidateTrade(stake decimal.Decimal) Validation {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.validator.ValidateTrade(rm.bankroll, stake, rm.exposure)
}

// Reserve moves stake from bankroll into exposure when a position opens
func (rm *Manager) Reserve(stake decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.bankroll = rm.bankroll.Sub(stake)
	rm.exposure = rm.exposure.Add(stake)
}

// Restore re-reserves exposure for positions carried across a restart
func (rm *Manager) Restore(positions []*types.Position) {
	for _, pos := range positions {
		if pos.Status == types.StatusOpen {
			rm.Reserve(pos.Stake)
		}
	}
}

// Unreserve hands an abandoned position's stake back to the bankroll
// without booking a trade
func (rm *Manager) Unreserve(stake decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.exposure = rm.exposure.Sub(stake)
	if rm.exposure.IsNegative() {
		rm.exposure = decimal.Zero
	}
	rm.bankroll = rm.bankroll.Add(stake)
}

// Release returns a closed position's proceeds to the bankroll and records the trade
func (rm *Manager) Release(stake, proceeds decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.exposure = rm.exposure.Sub(stake)
	if rm.exposure.IsNegative() {
		rm.exposure = decimal.Zero
	}
	rm.bankroll = rm.bankroll.Add(proceeds)

	pnl := proceeds.Sub(stake)
	rm.realizedPnL = rm.realizedPnL.Add(pnl)
	if pnl.IsNegative() {
		rm.consecutiveLoss++
	} else {
		rm.consecutiveLoss = 0
	}

	if equity := rm.bankroll.Add(rm.exposure); equity.GreaterThan(rm.peak) {
		rm.peak = equity
	}

	log.Info().
		Str("trade_pnl", pnl.StringFixed(2)).
		Str("realized_pnl", rm.realizedPnL.StringFixed(2)).
		Str("bankroll", rm.bankroll.StringFixed(2)).
		Int("consecutive_loss", rm.consecutiveLoss).
		Msg("📊 Trade recorded")
}

// DrawdownHit reports whether equity has fallen far enough from peak to halt entries
func (rm *Manager) DrawdownHit() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.validator.CheckDrawdown(rm.bankroll.Add(rm.exposure), rm.peak)
}

// Bankroll returns free collateral
func (rm *Manager) Bankroll() decimal.Decimal {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.bankroll
}

// GetStats returns current risk stats
func (rm *Manager) GetStats() Stats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return Stats{
		Bankroll:        rm.bankroll,
		Exposure:        rm.exposure,
		Peak:            rm.peak,
		RealizedPnL:     rm.realizedPnL,
		ConsecutiveLoss: rm.consecutiveLoss,
		DrawdownHit:     rm.validator.CheckDrawdown(rm.bankroll.Add(rm.exposure), rm.peak),
	}
}
