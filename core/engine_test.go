package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/cyclebot/execution"
	"github.com/web3guy0/cyclebot/feeds"
	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/retry"
	"github.com/web3guy0/cyclebot/risk"
	"github.com/web3guy0/cyclebot/storage"
	"github.com/web3guy0/cyclebot/types"
)

const window int64 = 1767707100

type fakeMarket struct {
	mu       sync.Mutex
	yes      decimal.Decimal
	left     time.Duration
	winner   types.Direction
	snapshot int
}

func (m *fakeMarket) Snapshot(_ context.Context, asset string, now time.Time) *types.MarketSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot++
	cycle := types.CycleStart(now)
	return &types.MarketSnapshot{
		Asset:         asset,
		YesPrice:      m.yes,
		NoPrice:       decimal.NewFromInt(1).Sub(m.yes),
		TimeRemaining: m.left,
		ConditionID:   "0x" + asset,
		Slug:          feeds.SlugFor(asset, cycle),
		CycleStart:    cycle,
		FetchedAt:     now,
		UpTokenID:     "111",
		DownTokenID:   "222",
	}
}

func (m *fakeMarket) Resolution(_ context.Context, asset string, cycleStart int64) *feeds.Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.winner == "" {
		return nil
	}
	return &feeds.Resolution{Slug: feeds.SlugFor(asset, cycleStart), ConditionID: "0x" + asset, Winner: m.winner}
}

func (m *fakeMarket) set(yes string, winner types.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.yes = decimal.RequireFromString(yes)
	m.winner = winner
}

type fakeOracle struct {
	mu       sync.Mutex
	verdicts map[string]types.Verdict
}

func (o *fakeOracle) Latest(asset string) (types.Verdict, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.verdicts[asset]
	return v, ok
}

func (o *fakeOracle) set(asset string, dir types.Direction, confidence float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verdicts[asset] = types.Verdict{Asset: asset, Prediction: dir, Confidence: confidence}
}

type recorder struct {
	mu      sync.Mutex
	opened  []string
	exited  []string
	orphans []string
}

func (r *recorder) NotifyOpen(pos *types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, pos.ID)
}

func (r *recorder) NotifyExit(pos *types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited = append(r.exited, pos.ExitReason)
}

func (r *recorder) NotifyOrphans(positions []*types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range positions {
		r.orphans = append(r.orphans, p.ID)
	}
}

type harness struct {
	engine *Engine
	market *fakeMarket
	oracle *fakeOracle
	db     *storage.Database
	risk   *risk.Manager
	notes  *recorder
	clock  time.Time
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.TradingAssets = []string{"BTC", "ETH"}
	if tweak != nil {
		tweak(cfg)
	}

	db, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		market: &fakeMarket{yes: decimal.RequireFromString("0.50"), left: 10 * time.Minute},
		oracle: &fakeOracle{verdicts: make(map[string]types.Verdict)},
		db:     db,
		risk:   risk.NewManager(cfg.Risk),
		notes:  &recorder{},
		clock:  time.Unix(window+300, 0),
	}
	h.engine = NewEngine(cfg, Deps{
		Market:   h.market,
		Oracle:   h.oracle,
		Executor: execution.NewExecutor(nil, retry.Default("orders"), execution.DefaultExecutorConfig()),
		Risk:     h.risk,
		DB:       db,
	})
	h.engine.now = func() time.Time { return h.clock }
	h.engine.SetTradeNotifier(h.notes)
	return h
}

func (h *harness) recover(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Recover(context.Background()))
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRIES
// ═══════════════════════════════════════════════════════════════════════════════

func TestEngine_EntriesBlockedUntilRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.set("BTC", types.DirectionUp, 0.90)

	h.engine.TickAsset(context.Background(), "BTC")
	assert.Empty(t, h.engine.GetOpenPositions())
	assert.Zero(t, h.market.snapshot, "no market call before recovery")

	h.recover(t)
	h.engine.TickAsset(context.Background(), "BTC")
	require.Len(t, h.engine.GetOpenPositions(), 1)
}

func TestEngine_OpensHarvestPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)

	h.engine.Tick(context.Background())

	open := h.engine.GetOpenPositions()
	require.Len(t, open, 1, "ETH has no verdict")
	p := open[0]
	assert.Equal(t, "BTC", p.Asset)
	assert.Equal(t, types.DirectionUp, p.Direction)
	assert.Equal(t, "111", p.TokenID)
	assert.Equal(t, types.Harvest, p.Aggressiveness)
	assert.Equal(t, window, p.OpenedAtCycle)
	assert.True(t, p.Stake.Equal(decimal.NewFromInt(5)), p.Stake.String())

	stored, err := h.db.GetPosition(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, stored.Status)

	stats := h.engine.GetStats()
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, types.Harvest, stats.Tiers["BTC"])
	assert.Equal(t, types.Observe, stats.Tiers["ETH"])
	assert.True(t, stats.Risk.Exposure.Equal(decimal.NewFromInt(5)))
	assert.Len(t, h.notes.opened, 1)
}

func TestEngine_OnePositionPerAssetPerWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.TickAsset(context.Background(), "BTC")
		}()
	}
	wg.Wait()
	h.engine.TickAsset(context.Background(), "BTC")

	assert.Len(t, h.engine.GetOpenPositions(), 1)
}

func TestEngine_SkipsWithoutEdge(t *testing.T) {
	tests := []struct {
		name string
		dir  types.Direction
		conf float64
		yes  string
		left time.Duration
	}{
		{"wait verdict", types.DirectionWait, 0.99, "0.50", 10 * time.Minute},
		{"overpriced side", types.DirectionUp, 0.60, "0.90", 10 * time.Minute},
		{"too early", types.DirectionUp, 0.90, "0.50", 899 * time.Second},
		{"too late", types.DirectionUp, 0.90, "0.50", 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.recover(t)
			h.market.set(tt.yes, "")
			h.market.left = tt.left
			h.oracle.set("BTC", tt.dir, tt.conf)

			h.engine.TickAsset(context.Background(), "BTC")
			assert.Empty(t, h.engine.GetOpenPositions())
		})
	}
}

func TestEngine_RiskRejection(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Risk.MaxPositionSize = decimal.RequireFromString("0.01")
	})
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)

	h.engine.TickAsset(context.Background(), "BTC")
	assert.Empty(t, h.engine.GetOpenPositions())
	assert.True(t, h.risk.GetStats().Exposure.IsZero())
}

func TestEngine_DrawdownHaltsEntries(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)

	h.risk.Reserve(decimal.NewFromInt(30))
	h.risk.Release(decimal.NewFromInt(30), decimal.Zero)

	h.engine.TickAsset(context.Background(), "BTC")
	assert.Empty(t, h.engine.GetOpenPositions())
	assert.True(t, h.engine.GetStats().Halted)
}

func TestEngine_PauseBlocksEntriesOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "BTC")
	require.Len(t, h.engine.GetOpenPositions(), 1)

	h.engine.SetPaused(true)
	h.oracle.set("ETH", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "ETH")
	assert.Len(t, h.engine.GetOpenPositions(), 1)
	assert.True(t, h.engine.GetStats().Paused)

	// exits still run
	h.market.set("0.30", "")
	h.engine.CheckExits(context.Background())
	assert.Empty(t, h.engine.GetOpenPositions())

	h.engine.SetPaused(false)
	h.market.set("0.50", "")
	h.engine.TickAsset(context.Background(), "ETH")
	assert.Len(t, h.engine.GetOpenPositions(), 1)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXITS
// ═══════════════════════════════════════════════════════════════════════════════

func TestEngine_ExitOnReversal(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "BTC")
	require.Len(t, h.engine.GetOpenPositions(), 1)
	id := h.engine.GetOpenPositions()[0].ID

	// holding while the call stands
	h.market.set("0.60", "")
	h.engine.CheckExits(context.Background())
	require.Len(t, h.engine.GetOpenPositions(), 1)

	h.oracle.set("BTC", types.DirectionDown, 0.80)
	h.engine.CheckExits(context.Background())
	assert.Empty(t, h.engine.GetOpenPositions())

	stored, err := h.db.GetPosition(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, stored.Status)
	assert.Equal(t, risk.ExitBrainReversal, stored.ExitReason)
	assert.True(t, stored.PnL.IsPositive())

	wins, total, err := h.db.OutcomeStats("BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(1), wins)
	assert.Equal(t, int64(1), total)

	stats := h.engine.GetStats()
	assert.Equal(t, 1, stats.Wins)
	assert.True(t, stats.PnL.IsPositive())
	assert.True(t, stats.Risk.Exposure.IsZero())
	assert.Equal(t, []string{risk.ExitBrainReversal}, h.notes.exited)
}

func TestEngine_NoReentryAfterExitSameWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "BTC")
	require.Len(t, h.engine.GetOpenPositions(), 1)

	h.market.set("0.60", "")
	h.oracle.set("BTC", types.DirectionDown, 0.80)
	h.engine.CheckExits(context.Background())
	require.Empty(t, h.engine.GetOpenPositions())
	require.Equal(t, []string{risk.ExitBrainReversal}, h.notes.exited)

	// the reversed call would trade, but BTC already entered this window
	h.engine.TickAsset(context.Background(), "BTC")
	assert.Empty(t, h.engine.GetOpenPositions())
	assert.Len(t, h.notes.opened, 1)

	h.clock = time.Unix(window+900+300, 0)
	h.engine.TickAsset(context.Background(), "BTC")
	open := h.engine.GetOpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, window+900, open[0].OpenedAtCycle)
}

func TestEngine_StopLossWithoutVerdict(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "BTC")
	require.Len(t, h.engine.GetOpenPositions(), 1)

	h.oracle.mu.Lock()
	delete(h.oracle.verdicts, "BTC")
	h.oracle.mu.Unlock()

	h.market.set("0.30", "")
	h.engine.CheckExits(context.Background())

	assert.Empty(t, h.engine.GetOpenPositions())
	assert.Equal(t, []string{risk.ExitStopLoss}, h.notes.exited)
	assert.Equal(t, 1, h.engine.GetStats().Losses)
	assert.Equal(t, types.Observe, h.engine.GetStats().Tiers["BTC"], "loss in HARVEST drops to OBSERVE")
}

func TestEngine_SettlesAfterWindowEnds(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "BTC")
	require.Len(t, h.engine.GetOpenPositions(), 1)

	h.clock = time.Unix(window+905, 0)

	// no resolution yet: keep waiting
	h.engine.CheckExits(context.Background())
	require.Len(t, h.engine.GetOpenPositions(), 1)

	h.market.set("0.50", types.DirectionUp)
	h.engine.CheckExits(context.Background())
	assert.Empty(t, h.engine.GetOpenPositions())
	assert.Equal(t, []string{"RESOLVED_WIN"}, h.notes.exited)

	pending, err := h.db.PendingRedemptions()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xBTC", pending[0].ConditionID)
	assert.Equal(t, 1, h.engine.GetStats().Wins)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

func TestEngine_RecoverSplitsPersistedPositions(t *testing.T) {
	h := newHarness(t, nil)

	mk := func(id string, opened int64) *types.Position {
		at := time.Unix(opened, 0).UTC()
		return &types.Position{
			ID:            id,
			Asset:         "BTC",
			Direction:     types.DirectionUp,
			ConditionID:   "0x" + id,
			EntryPrice:    decimal.RequireFromString("0.5"),
			Stake:         decimal.NewFromInt(4),
			Shares:        decimal.NewFromInt(8),
			Status:        types.StatusOpen,
			OpenedAt:      at,
			OpenedAtCycle: types.CycleStart(at),
		}
	}
	require.NoError(t, h.db.SavePosition(mk("stale", window-100)))
	require.NoError(t, h.db.SavePosition(mk("live", window+10)))

	h.recover(t)

	open := h.engine.GetOpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "live", open[0].ID)
	assert.True(t, h.risk.GetStats().Exposure.Equal(decimal.NewFromInt(4)))

	queue := h.engine.GetRecoveryQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, "stale", queue[0].ID)
	assert.Equal(t, []string{"stale"}, h.notes.orphans)

	// the live position blocks a second entry this window
	h.oracle.set("BTC", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "BTC")
	assert.Len(t, h.engine.GetOpenPositions(), 1)

	// a repeat recovery neither re-notifies nor double-reserves
	h.recover(t)
	assert.Equal(t, []string{"stale"}, h.notes.orphans)
	assert.True(t, h.risk.GetStats().Exposure.Equal(decimal.NewFromInt(4)))

	drained, err := h.engine.DrainRecovery("stale", "sold manually")
	require.NoError(t, err)
	assert.Equal(t, "stale", drained.ID)
	assert.Empty(t, h.engine.GetRecoveryQueue())
	assert.Equal(t, 0, h.engine.GetStats().RecoveryQueue)
}

func TestEngine_RecoverReleasesOrphanedStake(t *testing.T) {
	h := newHarness(t, nil)
	h.recover(t)
	h.oracle.set("BTC", types.DirectionUp, 0.90)
	h.engine.TickAsset(context.Background(), "BTC")
	require.Len(t, h.engine.GetOpenPositions(), 1)
	id := h.engine.GetOpenPositions()[0].ID
	require.True(t, h.risk.GetStats().Exposure.IsPositive())

	// window over and unresolved when the feed comes back
	h.clock = time.Unix(window+905, 0)
	h.recover(t)

	assert.Empty(t, h.engine.GetOpenPositions())
	queue := h.engine.GetRecoveryQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, id, queue[0].ID)
	assert.Equal(t, []string{id}, h.notes.orphans)

	stats := h.risk.GetStats()
	assert.True(t, stats.Exposure.IsZero(), stats.Exposure.String())
	assert.True(t, stats.Bankroll.Equal(config.Default().Risk.Bankroll), stats.Bankroll.String())
	assert.True(t, stats.RealizedPnL.IsZero())
}

func TestEngine_ConcurrentRecover(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.TradingAssets = []string{"SOL", "BTC", "ETH", "XRP"}
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Recover(context.Background()))
		}()
	}
	wg.Wait()
	assert.True(t, h.engine.GetStats().Recovered)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Engine.TickInterval = 10 * time.Millisecond
		cfg.Exit.PollInterval = 10 * time.Millisecond
	})
	h.oracle.set("BTC", types.DirectionUp, 0.90)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, h.engine.Run(ctx))
	assert.True(t, h.engine.GetStats().Recovered)
	assert.Len(t, h.engine.GetOpenPositions(), 1)
}
