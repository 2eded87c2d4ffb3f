package risk

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Tier-scaled % of bankroll
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: stake = bankroll * base_pct * tier_multiplier
//
// OBSERVE has multiplier 0 and never trades. Non-zero stakes are floored at
// the minimum trade size; the validator decides whether that is affordable.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Sizer struct {
	basePct     decimal.Decimal // fraction of bankroll at multiplier 1
	minPosition decimal.Decimal
}

// NewSizer creates a new position sizer
func NewSizer(basePct, minPosition decimal.Decimal) *Sizer {
	return &Sizer{
		basePct:     basePct,
		minPosition: minPosition,
	}
}

// Calculate computes the stake for a tier multiplier
func (s *Sizer) Calculate(bankroll decimal.Decimal, multiplier float64) decimal.Decimal {
	if multiplier <= 0 || !bankroll.IsPositive() {
		return decimal.Zero
	}

	stake := bankroll.Mul(s.basePct).Mul(decimal.NewFromFloat(multiplier)).Truncate(2)
	if stake.LessThan(s.minPosition) {
		return s.minPosition
	}
	return stake
}
