package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL - One EV judgment for one asset in one cycle
// ═══════════════════════════════════════════════════════════════════════════════

// Signal is the EV engine's view of a possible entry
type Signal struct {
	Asset       string
	ConditionID string
	Slug        string
	TokenID     string
	Direction   types.Direction // side to buy
	Entry       decimal.Decimal // current price of that side
	Probability float64         // p̂
	MarketProb  float64         // market-implied probability of that side
	EV          float64
	Edge        float64
	Viable      bool
	Confidence  decimal.Decimal // oracle confidence
}

// Validate checks that a signal can be turned into an order
func (s *Signal) Validate() bool {
	if s == nil || s.Asset == "" || s.ConditionID == "" {
		return false
	}
	if !s.Direction.Tradable() {
		return false
	}
	if !s.Entry.IsPositive() || s.Entry.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return false
	}
	return s.Viable
}

// Metrics projects the signal onto the state machine inputs
func (s *Signal) Metrics() CycleMetrics {
	return CycleMetrics{
		EV:          s.EV,
		Probability: s.Probability,
		MarketProb:  s.MarketProb,
	}
}

// Reason is a short human-readable summary
func (s *Signal) Reason() string {
	return fmt.Sprintf("%s %s p̂=%.2f m=%.2f ev=%+.3f edge=%+.3f",
		s.Asset, s.Direction, s.Probability, s.MarketProb, s.EV, s.Edge)
}
