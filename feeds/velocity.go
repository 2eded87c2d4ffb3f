package feeds

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VELOCITY - Recent move of the UP price mapped into [0,1]
// ═══════════════════════════════════════════════════════════════════════════════
//
// score(UP)   = clamp(0.5 + move/fullScale/2, 0, 1)   move = last - first
// score(DOWN) = 1 - score(UP)
//
// 0.5 means flat. History resets when the cycle changes.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	defaultVelocityPeriod = 12
	// a move of this size in the UP price saturates the score
	velocityFullScale = 0.10
)

type priceSeries struct {
	cycle  int64
	prices []decimal.Decimal
}

// VelocityTracker keeps a short UP-price history per asset
type VelocityTracker struct {
	mu     sync.RWMutex
	period int
	series map[string]*priceSeries
}

// NewVelocityTracker creates a tracker holding up to period samples per asset
func NewVelocityTracker(period int) *VelocityTracker {
	if period < 2 {
		period = defaultVelocityPeriod
	}
	return &VelocityTracker{
		period: period,
		series: make(map[string]*priceSeries),
	}
}

// Update records a snapshot's UP price
func (vt *VelocityTracker) Update(snap *types.MarketSnapshot) {
	if snap == nil {
		return
	}

	vt.mu.Lock()
	defer vt.mu.Unlock()

	s, ok := vt.series[snap.Asset]
	if !ok || s.cycle != snap.CycleStart {
		s = &priceSeries{cycle: snap.CycleStart, prices: make([]decimal.Decimal, 0, vt.period)}
		vt.series[snap.Asset] = s
	}

	s.prices = append(s.prices, snap.YesPrice)
	if len(s.prices) > vt.period {
		s.prices = s.prices[1:]
	}
}

// Move returns last - first of the UP price for an asset
func (vt *VelocityTracker) Move(asset string) decimal.Decimal {
	vt.mu.RLock()
	defer vt.mu.RUnlock()

	s, ok := vt.series[asset]
	if !ok || len(s.prices) < 2 {
		return decimal.Zero
	}
	return s.prices[len(s.prices)-1].Sub(s.prices[0])
}

// Score maps the recent move into [0,1] from the point of view of dir
func (vt *VelocityTracker) Score(asset string, dir types.Direction) float64 {
	move, _ := vt.Move(asset).Float64()

	up := 0.5 + move/velocityFullScale/2
	if up < 0 {
		up = 0
	} else if up > 1 {
		up = 1
	}

	if dir == types.DirectionDown {
		return 1 - up
	}
	return up
}
