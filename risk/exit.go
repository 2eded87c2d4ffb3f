package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT MONITOR - Watches open positions for early exit conditions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Priority (first match wins):
//   1. BRAIN_REVERSAL   - oracle flipped with conviction
//   2. CONFIDENCE_DRAIN - oracle lost conviction
//   3. STOP_LOSS_HIT    - side price fell too far below entry
//
// A locked verdict suppresses 1 and 2. Stateless; the engine polls it.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	ExitBrainReversal   = "BRAIN_REVERSAL"
	ExitConfidenceDrain = "CONFIDENCE_DRAIN"
	ExitStopLoss        = "STOP_LOSS_HIT"

	ExitTypeExit = "EXIT"
)

// ExitSignal tells the engine to close a position
type ExitSignal struct {
	Reason string
	Type   string
	Price  decimal.Decimal // side price the exit was judged at
}

// ExitMonitor evaluates exit rules
type ExitMonitor struct {
	reversalConfidence float64
	drainConfidence    float64
	stopLoss           decimal.Decimal
}

// NewExitMonitor creates a monitor from exit config
func NewExitMonitor(cfg config.ExitConfig) *ExitMonitor {
	return &ExitMonitor{
		reversalConfidence: cfg.ReversalConfidence,
		drainConfidence:    cfg.DrainConfidence,
		stopLoss:           cfg.StopLossFraction,
	}
}

// EvaluateExit returns an exit signal or nil to keep holding
func (em *ExitMonitor) EvaluateExit(pos *types.Position, verdict types.Verdict, market types.MarketSnapshot) *ExitSignal {
	if pos == nil || pos.Status != types.StatusOpen {
		return nil
	}

	currentPrice := market.PriceFor(pos.Direction)
	profit := currentPrice.Sub(pos.EntryPrice)

	if !verdict.IsLocked {
		if verdict.Prediction != pos.Direction && verdict.Confidence > em.reversalConfidence {
			return exit(ExitBrainReversal, currentPrice)
		}
		if verdict.Confidence < em.drainConfidence && verdict.Prediction != types.DirectionWait {
			return exit(ExitConfidenceDrain, currentPrice)
		}
	}

	if profit.LessThan(em.stopLoss.Neg()) {
		return exit(ExitStopLoss, currentPrice)
	}

	return nil
}

func exit(reason string, price decimal.Decimal) *ExitSignal {
	return &ExitSignal{Reason: reason, Type: ExitTypeExit, Price: price}
}
