package strategy

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CYCLE STATE MACHINE - OBSERVE → HARVEST → STRIKE → OBSERVE
// ═══════════════════════════════════════════════════════════════════════════════
//
// One machine per asset. Evaluated in this order on every Update:
//
//   STRIKE : any trade result            → OBSERVE, window cleared
//   HARVEST: wins ≥ 3 && ev ≥ 0.12        → STRIKE
//            else loss result            → OBSERVE, window cleared
//   OBSERVE: ev > 0.01 && p̂ > m           → HARVEST
//            then ev > 0.10 && p̂ ≥ 0.85   → STRIKE (same call, may skip HARVEST)
//
// ═══════════════════════════════════════════════════════════════════════════════

const outcomeWindowSize = 4

// CycleMetrics are the EV inputs to a state transition
type CycleMetrics struct {
	EV          float64
	Probability float64
	MarketProb  float64
}

// TradeResult is a closed trade fed back into the machine
type TradeResult struct {
	Win bool
}

// outcomeWindow is a fixed ring of the last 4 results, oldest evicted first
type outcomeWindow struct {
	buf   [outcomeWindowSize]bool
	start int
	count int
}

func (w *outcomeWindow) push(win bool) {
	if w.count < outcomeWindowSize {
		w.buf[(w.start+w.count)%outcomeWindowSize] = win
		w.count++
		return
	}
	w.buf[w.start] = win
	w.start = (w.start + 1) % outcomeWindowSize
}

func (w *outcomeWindow) wins() int {
	n := 0
	for i := 0; i < w.count; i++ {
		if w.buf[(w.start+i)%outcomeWindowSize] {
			n++
		}
	}
	return n
}

func (w *outcomeWindow) clear() {
	*w = outcomeWindow{}
}

// snapshot returns results oldest first
func (w *outcomeWindow) snapshot() []bool {
	out := make([]bool, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.start+i)%outcomeWindowSize]
	}
	return out
}

// CycleStateMachine tracks the aggressiveness tier for one asset
type CycleStateMachine struct {
	mu     sync.Mutex
	asset  string
	cfg    config.CycleConfig
	state  types.Aggressiveness
	window outcomeWindow
}

// NewCycleStateMachine starts in OBSERVE with an empty window
func NewCycleStateMachine(asset string, cfg config.CycleConfig) *CycleStateMachine {
	return &CycleStateMachine{
		asset: asset,
		cfg:   cfg,
		state: types.Observe,
	}
}

// State returns the current tier
func (m *CycleStateMachine) State() types.Aggressiveness {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcomes returns the rolling window, oldest first
func (m *CycleStateMachine) Outcomes() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window.snapshot()
}

// Update applies one transition and returns the new tier. result may be nil.
func (m *CycleStateMachine) Update(metrics CycleMetrics, result *TradeResult) types.Aggressiveness {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	if result != nil {
		m.window.push(result.Win)
	}

	switch m.state {
	case types.Strike:
		if result != nil {
			m.state = types.Observe
			m.window.clear()
		}

	case types.Harvest:
		if m.window.wins() >= m.cfg.HarvestMinWins && metrics.EV >= m.cfg.HarvestStrikeEV {
			m.state = types.Strike
		} else if result != nil && !result.Win {
			m.state = types.Observe
			m.window.clear()
		}

	default:
		if metrics.EV > m.cfg.HarvestMinEV && metrics.Probability > metrics.MarketProb {
			m.state = types.Harvest
		}
		if metrics.EV > m.cfg.StrikeMinEV && metrics.Probability >= m.cfg.StrikeMinProb {
			m.state = types.Strike
		}
	}

	if m.state != prev {
		log.Info().
			Str("asset", m.asset).
			Str("from", string(prev)).
			Str("to", string(m.state)).
			Float64("ev", metrics.EV).
			Int("wins", m.window.wins()).
			Msg("🎚️ Aggressiveness changed")
	}
	return m.state
}

// StakeMultiplier returns the sizing multiplier for the current tier
func (m *CycleStateMachine) StakeMultiplier() float64 {
	return TierMultiplier(m.State(), m.cfg)
}

// TierMultiplier maps a tier to its configured stake multiplier
func TierMultiplier(tier types.Aggressiveness, cfg config.CycleConfig) float64 {
	switch tier {
	case types.Strike:
		return cfg.StrikeStakeMult
	case types.Harvest:
		return cfg.HarvestStakeMult
	default:
		return cfg.ObserveStakeMult
	}
}
