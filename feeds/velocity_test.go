package feeds_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/cyclebot/feeds"
	"github.com/web3guy0/cyclebot/types"
)

func snapAt(cycle int64, yes float64) *types.MarketSnapshot {
	return &types.MarketSnapshot{Asset: "BTC", YesPrice: decimal.NewFromFloat(yes), CycleStart: cycle}
}

func TestVelocity_FlatWithoutHistory(t *testing.T) {
	vt := feeds.NewVelocityTracker(5)
	assert.Equal(t, 0.5, vt.Score("BTC", types.DirectionUp))

	vt.Update(snapAt(900, 0.5))
	assert.Equal(t, 0.5, vt.Score("BTC", types.DirectionUp))
}

func TestVelocity_DirectionalScore(t *testing.T) {
	vt := feeds.NewVelocityTracker(5)
	vt.Update(snapAt(900, 0.50))
	vt.Update(snapAt(900, 0.55))

	assert.InDelta(t, 0.75, vt.Score("BTC", types.DirectionUp), 1e-9)
	assert.InDelta(t, 0.25, vt.Score("BTC", types.DirectionDown), 1e-9)

	// saturates
	vt.Update(snapAt(900, 0.90))
	assert.Equal(t, 1.0, vt.Score("BTC", types.DirectionUp))
	assert.Equal(t, 0.0, vt.Score("BTC", types.DirectionDown))
}

func TestVelocity_ResetsOnNewCycle(t *testing.T) {
	vt := feeds.NewVelocityTracker(5)
	vt.Update(snapAt(900, 0.30))
	vt.Update(snapAt(900, 0.60))
	vt.Update(snapAt(1800, 0.50))

	assert.True(t, vt.Move("BTC").IsZero())
}

func TestVelocity_WindowEvicts(t *testing.T) {
	vt := feeds.NewVelocityTracker(3)
	for _, p := range []float64{0.10, 0.50, 0.52, 0.54} {
		vt.Update(snapAt(900, p))
	}
	assert.True(t, vt.Move("BTC").Equal(decimal.NewFromFloat(0.04)))
	vt.Update(nil)
}
