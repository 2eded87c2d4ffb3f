package storage_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/cyclebot/storage"
	"github.com/web3guy0/cyclebot/types"
)

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func position(id string, openedAt time.Time) *types.Position {
	return &types.Position{
		ID:             id,
		Asset:          "BTC",
		Direction:      types.DirectionUp,
		ConditionID:    "0x" + id,
		Slug:           "btc-updown-15m-0",
		EntryPrice:     decimal.RequireFromString("0.55"),
		Stake:          decimal.RequireFromString("5"),
		Shares:         decimal.RequireFromString("9.090909"),
		Status:         types.StatusOpen,
		OpenedAt:       openedAt,
		OpenedAtCycle:  types.CycleStart(openedAt),
		Aggressiveness: types.Harvest,
	}
}

func TestSavePosition_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	opened := time.Unix(1767707150, 0).UTC()
	p := position("a", opened)

	require.NoError(t, db.SavePosition(p))

	got, err := db.GetPosition("a")
	require.NoError(t, err)
	assert.Equal(t, types.DirectionUp, got.Direction)
	assert.Equal(t, types.StatusOpen, got.Status)
	assert.Equal(t, types.Harvest, got.Aggressiveness)
	assert.True(t, got.EntryPrice.Equal(p.EntryPrice))
	assert.Equal(t, int64(1767707100), got.OpenedAtCycle)

	// closing updates in place
	now := time.Now().UTC()
	p.Status = types.StatusClosed
	p.ClosedAt = &now
	p.ExitPrice = decimal.RequireFromString("0.70")
	p.PnL = decimal.RequireFromString("1.36")
	p.ExitReason = "BRAIN_REVERSAL"
	require.NoError(t, db.SavePosition(p))

	got, err = db.GetPosition("a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, got.Status)
	assert.Equal(t, "BRAIN_REVERSAL", got.ExitReason)
	assert.True(t, got.PnL.Equal(decimal.RequireFromString("1.36")))
	require.NotNil(t, got.ClosedAt)

	_, err = db.GetPosition("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadState_SplitsOpenAndQueue(t *testing.T) {
	db := newTestDB(t)
	base := time.Unix(1767707100, 0).UTC()

	open := position("open", base)
	closed := position("closed", base.Add(time.Second))
	closed.Status = types.StatusClosed
	orphan := position("orphan", base.Add(-time.Hour))

	for _, p := range []*types.Position{open, closed, orphan} {
		require.NoError(t, db.SavePosition(p))
	}
	require.NoError(t, db.AppendRecovery([]*types.Position{orphan}))

	state, err := db.LoadState()
	require.NoError(t, err)
	require.Len(t, state.Positions, 1)
	assert.Equal(t, "open", state.Positions[0].ID)
	require.Len(t, state.RecoveryQueue, 1)
	assert.Equal(t, "orphan", state.RecoveryQueue[0].ID)
	assert.Equal(t, types.StatusOrphaned, state.RecoveryQueue[0].Status)
}

func TestRecoveryQueue_AppendOrderAndDrain(t *testing.T) {
	db := newTestDB(t)
	base := time.Unix(1767700000, 0).UTC()

	require.NoError(t, db.AppendRecovery([]*types.Position{position("q1", base), position("q2", base)}))
	require.NoError(t, db.AppendRecovery([]*types.Position{position("q3", base)}))
	require.NoError(t, db.AppendRecovery(nil))

	queue, err := db.RecoveryQueue()
	require.NoError(t, err)
	ids := make([]string, 0, len(queue))
	for _, p := range queue {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"q1", "q2", "q3"}, ids)

	drained, err := db.DrainRecovery("q2", "MANUAL_DRAIN")
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, drained.Status)
	assert.Equal(t, "MANUAL_DRAIN", drained.ExitReason)

	queue, err = db.RecoveryQueue()
	require.NoError(t, err)
	assert.Len(t, queue, 2)

	_, err = db.DrainRecovery("q2", "again")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOutcomes(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveOutcome(types.TradeOutcome{PositionID: "a", Asset: "BTC", PnL: decimal.NewFromInt(2), Win: true, ClosedAt: now}))
	require.NoError(t, db.SaveOutcome(types.TradeOutcome{PositionID: "b", Asset: "BTC", PnL: decimal.NewFromInt(-3), ClosedAt: now}))
	require.NoError(t, db.SaveOutcome(types.TradeOutcome{PositionID: "c", Asset: "ETH", PnL: decimal.NewFromInt(4), Win: true, ClosedAt: now}))
	// duplicate outcome for the same position is ignored
	require.NoError(t, db.SaveOutcome(types.TradeOutcome{PositionID: "a", Asset: "BTC", PnL: decimal.NewFromInt(2), Win: true, ClosedAt: now}))

	wins, total, err := db.OutcomeStats("BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(1), wins)
	assert.Equal(t, int64(2), total)

	pnl, err := db.GetTotalProfitLoss()
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(3)), pnl.String())
}

func TestRedemptions(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.TrackCondition("0x1", "BTC", "btc-updown-15m-900"))
	require.NoError(t, db.TrackCondition("0x1", "BTC", "btc-updown-15m-900"))
	require.NoError(t, db.TrackCondition("0x2", "ETH", "eth-updown-15m-900"))
	assert.Error(t, db.TrackCondition("", "BTC", ""))

	pending, err := db.PendingRedemptions()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, db.RecordRedemption("0x1", "", "reverted"))
	rec, err := db.GetRedemption("0x1")
	require.NoError(t, err)
	assert.Equal(t, storage.RedemptionFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	require.NoError(t, db.RecordRedemption("0x1", "0xhash", ""))
	rec, err = db.GetRedemption("0x1")
	require.NoError(t, err)
	assert.Equal(t, storage.RedemptionRedeemed, rec.Status)
	assert.Equal(t, "0xhash", rec.TxHash)
	assert.Equal(t, 2, rec.Attempts)
	assert.NotNil(t, rec.RedeemedAt)

	pending, err = db.PendingRedemptions()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0x2", pending[0].ConditionID)

	assert.ErrorIs(t, db.RecordRedemption("0xnope", "", "x"), storage.ErrNotFound)
}
