package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK VALIDATOR - Stake, exposure and drawdown limits
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure checks. The validator never halts anything; callers read
// CheckDrawdown and decide.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	ReasonBelowMinimum     = "Below minimum trade size"
	ReasonNoBankroll       = "Insufficient bankroll"
	ReasonPositionTooLarge = "Position size too large"
	ReasonMaxExposure      = "Would exceed max exposure"
)

// Validation is the result of a trade check
type Validation struct {
	Valid  bool
	Reason string
}

// Validator enforces stake-size and exposure limits
type Validator struct {
	maxTotalExposure decimal.Decimal
	maxPositionSize  decimal.Decimal
	minTradeSize     decimal.Decimal
	drawdownLimit    decimal.Decimal
}

// NewValidator creates a validator from risk config
func NewValidator(cfg config.RiskConfig) *Validator {
	return &Validator{
		maxTotalExposure: cfg.MaxTotalExposure,
		maxPositionSize:  cfg.MaxPositionSize,
		minTradeSize:     cfg.MinTradeSize,
		drawdownLimit:    cfg.DrawdownLimit,
	}
}

// ValidateTrade checks a proposed stake against the bankroll and open exposure
func (v *Validator) ValidateTrade(bankroll, stake, exposure decimal.Decimal) Validation {
	if stake.LessThan(v.minTradeSize) {
		return Validation{Reason: ReasonBelowMinimum}
	}
	if !bankroll.IsPositive() {
		return Validation{Reason: ReasonNoBankroll}
	}

	// stake / bankroll
	if stake.Div(bankroll).GreaterThan(v.maxPositionSize) {
		return Validation{Reason: ReasonPositionTooLarge}
	}

	// (exposure + stake) / (bankroll + exposure)
	total := exposure.Add(stake).Div(bankroll.Add(exposure))
	if total.GreaterThan(v.maxTotalExposure) {
		return Validation{Reason: ReasonMaxExposure}
	}

	return Validation{Valid: true}
}

// CheckDrawdown reports whether (peak-current)/peak has reached the limit
func (v *Validator) CheckDrawdown(current, peak decimal.Decimal) bool {
	if !peak.IsPositive() {
		return false
	}
	return peak.Sub(current).Div(peak).GreaterThanOrEqual(v.drawdownLimit)
}
