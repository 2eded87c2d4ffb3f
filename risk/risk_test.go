package risk_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/risk"
	"github.com/web3guy0/cyclebot/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newValidator() *risk.Validator {
	return risk.NewValidator(config.Default().Risk)
}

func TestValidateTrade_BelowMinimum(t *testing.T) {
	v := newValidator().ValidateTrade(d(100), d(0.5), d(0))
	assert.False(t, v.Valid)
	assert.Equal(t, risk.ReasonBelowMinimum, v.Reason)
}

func TestValidateTrade_PositionTooLarge(t *testing.T) {
	v := newValidator().ValidateTrade(d(100), d(80), d(0))
	assert.False(t, v.Valid)
	assert.Equal(t, risk.ReasonPositionTooLarge, v.Reason)
}

func TestValidateTrade_MaxExposure(t *testing.T) {
	// 20/40 = 0.5 is a fine position, but (90+20)/(40+90) = 0.846
	v := newValidator().ValidateTrade(d(40), d(20), d(90))
	assert.False(t, v.Valid)
	assert.Equal(t, risk.ReasonMaxExposure, v.Reason)
}

func TestValidateTrade_Accepts(t *testing.T) {
	v := newValidator().ValidateTrade(d(100), d(5), d(10))
	assert.True(t, v.Valid)
	assert.Empty(t, v.Reason)
}

func TestValidateTrade_NoBankroll(t *testing.T) {
	v := newValidator().ValidateTrade(d(0), d(5), d(0))
	assert.False(t, v.Valid)
	assert.Equal(t, risk.ReasonNoBankroll, v.Reason)

	// minimum check still comes first
	v = newValidator().ValidateTrade(d(0), d(0.5), d(0))
	assert.Equal(t, risk.ReasonBelowMinimum, v.Reason)
}

func TestCheckDrawdown(t *testing.T) {
	v := newValidator()
	assert.True(t, v.CheckDrawdown(d(75), d(100)))
	assert.True(t, v.CheckDrawdown(d(50), d(100)))
	assert.False(t, v.CheckDrawdown(d(76), d(100)))
	assert.False(t, v.CheckDrawdown(d(120), d(100)))
	assert.False(t, v.CheckDrawdown(d(10), d(0)))
	assert.False(t, v.CheckDrawdown(d(-5), d(-1)))
}

func TestSizer(t *testing.T) {
	s := risk.NewSizer(d(0.05), d(1.10))

	assert.True(t, s.Calculate(d(100), 0).IsZero())
	assert.True(t, s.Calculate(d(100), 1).Equal(d(5)))
	assert.True(t, s.Calculate(d(100), 2).Equal(d(10)))
	// 10 * 0.05 = 0.5, floored up to the minimum
	assert.True(t, s.Calculate(d(10), 1).Equal(d(1.10)))
	assert.True(t, s.Calculate(d(0), 1).IsZero())
}

func TestManager_Lifecycle(t *testing.T) {
	cfg := config.Default().Risk
	cfg.Bankroll = d(100)
	m := risk.NewManager(cfg)

	stake := m.CalculateSize(1)
	assert.True(t, stake.Equal(d(5)))
	assert.True(t, m.ValidateTrade(stake).Valid)

	m.Reserve(stake)
	st := m.GetStats()
	assert.True(t, st.Bankroll.Equal(d(95)))
	assert.True(t, st.Exposure.Equal(d(5)))

	// won: 5 stake → 10 proceeds
	m.Release(stake, d(10))
	st = m.GetStats()
	assert.True(t, st.Bankroll.Equal(d(105)))
	assert.True(t, st.Exposure.IsZero())
	assert.True(t, st.Peak.Equal(d(105)))
	assert.True(t, st.RealizedPnL.Equal(d(5)))
	assert.False(t, m.DrawdownHit())
}

func TestManager_DrawdownHalts(t *testing.T) {
	cfg := config.Default().Risk
	cfg.Bankroll = d(100)
	m := risk.NewManager(cfg)

	m.Reserve(d(30))
	m.Release(d(30), d(0))

	st := m.GetStats()
	assert.Equal(t, 1, st.ConsecutiveLoss)
	assert.True(t, m.DrawdownHit())
	assert.True(t, st.DrawdownHit)
}

func TestManager_Restore(t *testing.T) {
	cfg := config.Default().Risk
	cfg.Bankroll = d(100)
	m := risk.NewManager(cfg)

	m.Restore([]*types.Position{
		{Stake: d(4), Status: types.StatusOpen},
		{Stake: d(9), Status: types.StatusOrphaned},
	})
	st := m.GetStats()
	assert.True(t, st.Exposure.Equal(d(4)))
	assert.True(t, st.Bankroll.Equal(d(96)))
}

func TestManager_Unreserve(t *testing.T) {
	cfg := config.Default().Risk
	cfg.Bankroll = d(100)
	m := risk.NewManager(cfg)

	m.Reserve(d(5))
	m.Unreserve(d(5))

	st := m.GetStats()
	assert.True(t, st.Exposure.IsZero())
	assert.True(t, st.Bankroll.Equal(d(100)))
	assert.True(t, st.RealizedPnL.IsZero())
	assert.Zero(t, st.ConsecutiveLoss)

	// never negative
	m.Unreserve(d(1))
	assert.True(t, m.GetStats().Exposure.IsZero())
}

func openPos(dir types.Direction, entry float64) *types.Position {
	return &types.Position{
		ID:         "p1",
		Asset:      "BTC",
		Direction:  dir,
		EntryPrice: d(entry),
		Stake:      d(5),
		Status:     types.StatusOpen,
		OpenedAt:   time.Now(),
	}
}

func market(yes, no float64) types.MarketSnapshot {
	return types.MarketSnapshot{Asset: "BTC", YesPrice: d(yes), NoPrice: d(no)}
}

func newExitMonitor() *risk.ExitMonitor {
	return risk.NewExitMonitor(config.Default().Exit)
}

func TestEvaluateExit_BrainReversal(t *testing.T) {
	em := newExitMonitor()
	pos := openPos(types.DirectionUp, 0.55)
	v := types.Verdict{Prediction: types.DirectionDown, Confidence: 0.70}

	sig := em.EvaluateExit(pos, v, market(0.55, 0.45))
	if assert.NotNil(t, sig) {
		assert.Equal(t, risk.ExitBrainReversal, sig.Reason)
		assert.Equal(t, risk.ExitTypeExit, sig.Type)
		assert.True(t, sig.Price.Equal(d(0.55)))
	}

	v.IsLocked = true
	assert.Nil(t, em.EvaluateExit(pos, v, market(0.55, 0.45)))
}

func TestEvaluateExit_WaitCountsAsReversal(t *testing.T) {
	em := newExitMonitor()
	pos := openPos(types.DirectionUp, 0.55)
	sig := em.EvaluateExit(pos, types.Verdict{Prediction: types.DirectionWait, Confidence: 0.65}, market(0.55, 0.45))
	if assert.NotNil(t, sig) {
		assert.Equal(t, risk.ExitBrainReversal, sig.Reason)
	}
}

func TestEvaluateExit_ConfidenceDrain(t *testing.T) {
	em := newExitMonitor()
	pos := openPos(types.DirectionDown, 0.40)

	sig := em.EvaluateExit(pos, types.Verdict{Prediction: types.DirectionDown, Confidence: 0.10}, market(0.60, 0.40))
	if assert.NotNil(t, sig) {
		assert.Equal(t, risk.ExitConfidenceDrain, sig.Reason)
	}

	// WAIT never drains
	assert.Nil(t, em.EvaluateExit(pos, types.Verdict{Prediction: types.DirectionWait, Confidence: 0.10}, market(0.60, 0.40)))
}

func TestEvaluateExit_StopLoss(t *testing.T) {
	em := newExitMonitor()
	pos := openPos(types.DirectionDown, 0.50)
	v := types.Verdict{Prediction: types.DirectionDown, Confidence: 0.80, IsLocked: true}

	// NO fell from 0.50 to 0.30: profit -0.20 < -0.15
	sig := em.EvaluateExit(pos, v, market(0.70, 0.30))
	if assert.NotNil(t, sig) {
		assert.Equal(t, risk.ExitStopLoss, sig.Reason)
		assert.True(t, sig.Price.Equal(d(0.30)))
	}

	// exactly -0.15 holds
	assert.Nil(t, em.EvaluateExit(pos, v, market(0.65, 0.35)))
}

func TestEvaluateExit_PriorityAndStatus(t *testing.T) {
	em := newExitMonitor()
	pos := openPos(types.DirectionUp, 0.60)

	// reversal and stop loss both match; reversal wins
	sig := em.EvaluateExit(pos, types.Verdict{Prediction: types.DirectionDown, Confidence: 0.9}, market(0.30, 0.70))
	if assert.NotNil(t, sig) {
		assert.Equal(t, risk.ExitBrainReversal, sig.Reason)
	}

	pos.Status = types.StatusClosed
	assert.Nil(t, em.EvaluateExit(pos, types.Verdict{Prediction: types.DirectionDown, Confidence: 0.9}, market(0.30, 0.70)))
	assert.Nil(t, em.EvaluateExit(nil, types.Verdict{}, market(0.5, 0.5)))
}

func TestEvaluateExit_Hold(t *testing.T) {
	em := newExitMonitor()
	pos := openPos(types.DirectionUp, 0.50)
	assert.Nil(t, em.EvaluateExit(pos, types.Verdict{Prediction: types.DirectionUp, Confidence: 0.8}, market(0.55, 0.45)))
}
