package strategy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/cyclebot/strategy"
	"github.com/web3guy0/cyclebot/types"
)

func TestCalculateEV_Formula(t *testing.T) {
	cases := []struct{ p, m float64 }{
		{0.70, 0.50},
		{0.55, 0.60},
		{0.99, 0.01},
		{0.01, 0.99},
		{0.50, 0.50},
	}
	for _, c := range cases {
		res := strategy.CalculateEV(c.p, c.m)
		want := c.p*(1-c.m) - (1-c.p)*c.m - 0.02
		assert.InDelta(t, want, res.EV, 1e-12)
		assert.InDelta(t, c.p-c.m, res.Edge, 1e-12)
		assert.Equal(t, res.EV > 0, res.IsViable)
	}
}

func TestCalculateEV_Degenerate(t *testing.T) {
	for _, p := range []float64{0.01, 0.5, 0.99} {
		for _, m := range []float64{0, 1} {
			res := strategy.CalculateEV(p, m)
			assert.Equal(t, 0.0, res.EV)
			assert.Equal(t, 0.0, res.Edge)
			assert.False(t, res.IsViable)
		}
	}
}

func TestEVEngine_CustomFee(t *testing.T) {
	e := strategy.NewEVEngine(0.05)
	res := e.CalculateEV(0.7, 0.5)
	assert.InDelta(t, 0.7*0.5-0.3*0.5-0.05, res.EV, 1e-12)
	assert.Equal(t, 0.05, e.FeeRate())
}

func TestEstimateProbability_Blend(t *testing.T) {
	// below both boost thresholds
	p := strategy.EstimateProbability(0.5, 0.5, 0.5)
	assert.InDelta(t, 0.5, p, 1e-12)
}

func TestEstimateProbability_Boosts(t *testing.T) {
	// c=0.85: base = 0.5525 + 0.25 + 0.1 = 0.9025 → ×1.10 capped at 0.95
	assert.InDelta(t, 0.95, strategy.EstimateProbability(0.85, 1, 1), 1e-12)

	// c=0.94 with low velocity: base = 0.611 → ×1.15 = 0.70265
	assert.InDelta(t, 0.611*1.15, strategy.EstimateProbability(0.94, 0, 0), 1e-12)

	// c=1: base = 1.0 → capped at 0.98
	assert.InDelta(t, 0.98, strategy.EstimateProbability(1, 1, 1), 1e-12)
}

func TestEstimateProbability_Bounds(t *testing.T) {
	steps := []float64{0, 0.1, 0.25, 0.5, 0.75, 0.85, 0.9, 0.94, 0.99, 1}
	for _, c := range steps {
		for _, v := range steps {
			for _, w := range steps {
				p := strategy.EstimateProbability(c, v, w)
				assert.GreaterOrEqual(t, p, 0.01)
				assert.LessOrEqual(t, p, 0.99)
			}
		}
	}
	assert.Equal(t, 0.01, strategy.EstimateProbability(0, 0, 0))
}

func TestEVEngine_Evaluate(t *testing.T) {
	e := strategy.NewEVEngine(0.02)
	snap := &types.MarketSnapshot{
		Asset:       "BTC",
		YesPrice:    decimal.NewFromFloat(0.40),
		NoPrice:     decimal.NewFromFloat(0.60),
		ConditionID: "0xabc",
	}

	sig := e.Evaluate(types.Verdict{Asset: "BTC", Prediction: types.DirectionUp, Confidence: 0.8}, snap, 0.5, 0.5)
	require.NotNil(t, sig)
	assert.Equal(t, types.DirectionUp, sig.Direction)
	assert.InDelta(t, 0.40, sig.MarketProb, 1e-9)
	assert.True(t, sig.Entry.Equal(decimal.NewFromFloat(0.40)))
	assert.True(t, sig.Viable)
	assert.True(t, sig.Validate())

	down := e.Evaluate(types.Verdict{Asset: "BTC", Prediction: types.DirectionDown, Confidence: 0.8}, snap, 0.5, 0.5)
	require.NotNil(t, down)
	assert.InDelta(t, 0.60, down.MarketProb, 1e-9)

	assert.Nil(t, e.Evaluate(types.Verdict{Prediction: types.DirectionWait, Confidence: 0.9}, snap, 0.5, 0.5))
	assert.Nil(t, e.Evaluate(types.Verdict{Prediction: types.DirectionUp, Confidence: 0.9}, nil, 0.5, 0.5))
}

func TestSignal_ValidateDegeneratePrice(t *testing.T) {
	e := strategy.NewEVEngine(0.02)
	snap := &types.MarketSnapshot{Asset: "ETH", YesPrice: decimal.NewFromInt(1), NoPrice: decimal.Zero, ConditionID: "0x1"}

	sig := e.Evaluate(types.Verdict{Prediction: types.DirectionUp, Confidence: 0.99}, snap, 1, 1)
	require.NotNil(t, sig)
	assert.Equal(t, 0.0, sig.EV)
	assert.False(t, sig.Validate())
}
