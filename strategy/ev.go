package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EV ENGINE - Oracle confidence → calibrated probability → fee-adjusted EV
// ═══════════════════════════════════════════════════════════════════════════════
//
//   p̂  = clamp(boost(0.65·confidence + 0.25·velocity + 0.10·winRate), 0.01, 0.99)
//   EV = p̂·(1−m) − (1−p̂)·m − fee        (m = market price of the side we buy)
//
// A market priced at 0 or 1 has no EV and never signals.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultFeeRate is 2% of notional
const DefaultFeeRate = 0.02

const (
	weightConfidence = 0.65
	weightVelocity   = 0.25
	weightWinRate    = 0.10

	minProbability = 0.01
	maxProbability = 0.99
)

// EVResult is the outcome of an EV calculation
type EVResult struct {
	EV       float64
	Edge     float64
	IsViable bool
}

// EstimateProbability blends oracle confidence, price velocity and the
// historical win rate into a win probability
func EstimateProbability(confidence, velocity, winRate float64) float64 {
	p := weightConfidence*confidence + weightVelocity*velocity + weightWinRate*winRate

	switch {
	case confidence >= 0.94:
		p = math.Min(p*1.15, 0.98)
	case confidence >= 0.85:
		p = math.Min(p*1.10, 0.95)
	}

	return clamp(p, minProbability, maxProbability)
}

// CalculateEV computes expected value per unit stake with the default fee
func CalculateEV(p, marketPrice float64) EVResult {
	return calculateEV(p, marketPrice, DefaultFeeRate)
}

func calculateEV(p, m, fee float64) EVResult {
	if m <= 0 || m >= 1 || math.IsNaN(m) || math.IsNaN(p) {
		return EVResult{}
	}
	ev := p*(1-m) - (1-p)*m - fee
	return EVResult{
		EV:       ev,
		Edge:     p - m,
		IsViable: ev > 0,
	}
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}

// EVEngine carries the session's fee rate
type EVEngine struct {
	feeRate float64
}

// NewEVEngine creates an engine with the given fee rate
func NewEVEngine(feeRate float64) *EVEngine {
	return &EVEngine{feeRate: feeRate}
}

// FeeRate returns the configured fee
func (e *EVEngine) FeeRate() float64 {
	return e.feeRate
}

// CalculateEV computes EV using the engine's fee rate
func (e *EVEngine) CalculateEV(p, marketPrice float64) EVResult {
	return calculateEV(p, marketPrice, e.feeRate)
}

// Evaluate scores a verdict against a snapshot and returns the signal for
// the predicted side. Returns nil when the verdict is WAIT.
func (e *EVEngine) Evaluate(v types.Verdict, snap *types.MarketSnapshot, velocity, winRate float64) *Signal {
	if snap == nil || !v.Prediction.Tradable() {
		return nil
	}

	price := snap.PriceFor(v.Prediction)
	pMarket, _ := price.Float64()
	p := EstimateProbability(v.Confidence, velocity, winRate)
	res := e.CalculateEV(p, pMarket)

	return &Signal{
		Asset:       snap.Asset,
		ConditionID: snap.ConditionID,
		Slug:        snap.Slug,
		TokenID:     snap.TokenFor(v.Prediction),
		Direction:   v.Prediction,
		Entry:       price,
		Probability: p,
		MarketProb:  pMarket,
		EV:          res.EV,
		Edge:        res.Edge,
		Viable:      res.IsViable,
		Confidence:  decimal.NewFromFloat(v.Confidence),
	}
}
