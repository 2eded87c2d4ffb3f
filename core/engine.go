package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/web3guy0/cyclebot/execution"
	"github.com/web3guy0/cyclebot/feeds"
	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/risk"
	"github.com/web3guy0/cyclebot/storage"
	"github.com/web3guy0/cyclebot/strategy"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per asset per tick:
//   Verdict + Snapshot → EV → State Machine → Sizing → Risk → Execution → Storage
//
// Exit loop per open position:
//   Snapshot + Verdict → Exit Monitor → Execution → Outcome → State Machine
//   (after the window ends: Resolution → Settle → Redemption tracking)
//
// Ticks are deduplicated per asset and share a per-asset lock with the exit
// loop. No entry is taken until Recover has run.
//
// ═══════════════════════════════════════════════════════════════════════════════

// MarketSource supplies snapshots and resolutions; nil means unavailable
type MarketSource interface {
	Snapshot(ctx context.Context, asset string, now time.Time) *types.MarketSnapshot
	Resolution(ctx context.Context, asset string, cycleStart int64) *feeds.Resolution
}

// VerdictSource supplies the oracle's latest call per asset
type VerdictSource interface {
	Latest(asset string) (types.Verdict, bool)
}

// TradeNotifier receives position lifecycle events (Telegram)
type TradeNotifier interface {
	NotifyOpen(pos *types.Position)
	NotifyExit(pos *types.Position)
	NotifyOrphans(positions []*types.Position)
}

// Deps are the collaborators the engine drives
type Deps struct {
	Market   MarketSource
	Oracle   VerdictSource
	Executor *execution.Executor
	Risk     *risk.Manager
	DB       *storage.Database
}

// Stats is a point-in-time view of the session
type Stats struct {
	Trades        int
	Wins          int
	Losses        int
	PnL           decimal.Decimal
	Open          int
	RecoveryQueue int
	Recovered     bool
	Halted        bool
	Paused        bool
	Tiers         map[string]types.Aggressiveness
	Risk          risk.Stats
}

const velocityPeriod = 12

type Engine struct {
	mu sync.RWMutex

	cfg *config.Config

	// Components
	market     MarketSource
	oracle     VerdictSource
	executor   *execution.Executor
	riskMgr    *risk.Manager
	db         *storage.Database
	reconciler *execution.Reconciler
	ev         *strategy.EVEngine
	exits      *risk.ExitMonitor
	velocity   *feeds.VelocityTracker

	// Per-asset discipline
	flight    singleflight.Group
	locks     map[string]*sync.Mutex
	lockOrder []string
	machines  map[string]*strategy.CycleStateMachine
	lastEntry map[string]int64

	// State
	positions     map[string]*types.Position
	recoveryQueue []*types.Position
	recovered     bool
	halted        bool
	paused        bool

	// Stats
	totalTrades int
	winCount    int
	lossCount   int
	totalPnL    decimal.Decimal

	tradeNotifier TradeNotifier
	now           func() time.Time
}

// NewEngine creates a trading engine for cfg.TradingAssets
func NewEngine(cfg *config.Config, deps Deps) *Engine {
	e := &Engine{
		cfg:        cfg,
		market:     deps.Market,
		oracle:     deps.Oracle,
		executor:   deps.Executor,
		riskMgr:    deps.Risk,
		db:         deps.DB,
		reconciler: execution.NewReconciler(deps.DB),
		ev:         strategy.NewEVEngine(cfg.EV.FeeRate),
		exits:      risk.NewExitMonitor(cfg.Exit),
		velocity:   feeds.NewVelocityTracker(velocityPeriod),
		locks:      make(map[string]*sync.Mutex),
		machines:   make(map[string]*strategy.CycleStateMachine),
		lastEntry:  make(map[string]int64),
		positions:  make(map[string]*types.Position),
		totalPnL:   decimal.Zero,
		now:        time.Now,
	}
	for _, asset := range cfg.TradingAssets {
		e.locks[asset] = &sync.Mutex{}
		e.machines[asset] = strategy.NewCycleStateMachine(asset, cfg.Cycle)
	}
	e.lockOrder = lo.Keys(e.locks)
	sort.Strings(e.lockOrder)
	return e
}

// SetTradeNotifier sets the callback for trade notifications
func (e *Engine) SetTradeNotifier(notifier TradeNotifier) {
	e.tradeNotifier = notifier
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Recover reconciles persisted positions against the current window. Must
// complete before entries are accepted; runs again on every oracle reconnect.
func (e *Engine) Recover(ctx context.Context) error {
	// hold every asset lock, in a fixed order, so no tick or exit interleaves
	for _, asset := range e.lockOrder {
		lock := e.locks[asset]
		lock.Lock()
		defer lock.Unlock()
	}

	e.mu.RLock()
	priorQueue := len(e.recoveryQueue)
	e.mu.RUnlock()

	res, err := e.reconciler.Recover(ctx, e.now())
	if err != nil {
		return err
	}

	e.mu.Lock()
	previouslyHeld := lo.Values(e.positions)
	e.positions = res.Active
	e.recoveryQueue = res.RecoveryQueue
	e.recovered = true
	e.mu.Unlock()

	// exposure for positions already reserved in this process is kept;
	// held positions that were orphaned hand their stake back
	held := lo.SliceToMap(previouslyHeld, func(p *types.Position) (string, bool) { return p.ID, true })
	e.riskMgr.Restore(lo.Filter(lo.Values(res.Active), func(p *types.Position, _ int) bool { return !held[p.ID] }))
	for _, pos := range previouslyHeld {
		if _, still := res.Active[pos.ID]; !still {
			e.riskMgr.Unreserve(pos.Stake)
		}
	}

	if orphaned := newOrphans(res.RecoveryQueue, priorQueue); len(orphaned) > 0 && e.tradeNotifier != nil {
		e.tradeNotifier.NotifyOrphans(orphaned)
	}
	return nil
}

func newOrphans(queue []*types.Position, prior int) []*types.Position {
	return lo.Filter(queue, func(p *types.Position, i int) bool {
		return i >= prior && p.Status == types.StatusOrphaned
	})
}

// Run drives the decision and exit loops until ctx ends
func (e *Engine) Run(ctx context.Context) error {
	if !e.isRecovered() {
		if err := e.Recover(ctx); err != nil {
			return err
		}
	}

	log.Info().
		Strs("assets", e.cfg.TradingAssets).
		Dur("tick", e.cfg.Engine.TickInterval).
		Dur("exit_poll", e.cfg.Exit.PollInterval).
		Msg("⚡ Engine started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.loop(gctx, e.cfg.Engine.TickInterval, e.Tick)
		return nil
	})
	g.Go(func() error {
		e.loop(gctx, e.cfg.Exit.PollInterval, e.CheckExits)
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SetPaused stops or resumes new entries; open positions are still managed
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()
	log.Info().Bool("paused", paused).Msg("⏸️ Entry switch changed")
}

func (e *Engine) isPaused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

func (e *Engine) isRecovered() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recovered
}

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION TICK
// ═══════════════════════════════════════════════════════════════════════════════

// Tick runs one decision for every asset in parallel
func (e *Engine) Tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range e.cfg.TradingAssets {
		g.Go(func() error {
			e.TickAsset(gctx, asset)
			return nil
		})
	}
	_ = g.Wait()
}

// TickAsset runs one decision for asset. Concurrent calls for the same
// asset share a single evaluation.
func (e *Engine) TickAsset(ctx context.Context, asset string) {
	lock, ok := e.locks[asset]
	if !ok {
		return
	}
	_, _, _ = e.flight.Do(asset, func() (any, error) {
		lock.Lock()
		defer lock.Unlock()
		e.decide(ctx, asset)
		return nil, nil
	})
}

func (e *Engine) decide(ctx context.Context, asset string) {
	if !e.isRecovered() {
		log.Debug().Str("asset", asset).Msg("Awaiting recovery, entries blocked")
		return
	}

	now := e.now()
	snap := e.market.Snapshot(ctx, asset, now)
	if snap == nil {
		return
	}
	e.velocity.Update(snap)

	verdict, ok := e.oracle.Latest(asset)
	if !ok {
		log.Debug().Str("asset", asset).Msg("No fresh verdict")
		return
	}

	signal := e.ev.Evaluate(verdict, snap, e.velocity.Score(asset, verdict.Prediction), e.winRate(asset))
	if signal == nil {
		return
	}

	machine := e.machines[asset]
	tier := machine.Update(signal.Metrics(), nil)

	if e.holding(asset, snap.CycleStart) {
		return
	}
	if !signal.Validate() {
		log.Debug().Str("signal", signal.Reason()).Msg("No edge")
		return
	}
	if snap.TimeRemaining < e.cfg.Engine.MinTimeRemaining || snap.TimeRemaining > e.cfg.Engine.MaxTimeRemaining {
		log.Debug().Str("asset", asset).Dur("remaining", snap.TimeRemaining).Msg("Outside entry window")
		return
	}
	if e.checkHalt() || e.isPaused() {
		return
	}

	stake := e.riskMgr.CalculateSize(strategy.TierMultiplier(tier, e.cfg.Cycle))
	if stake.IsZero() {
		log.Debug().Str("asset", asset).Str("tier", string(tier)).Msg("Observing only")
		return
	}

	if v := e.riskMgr.ValidateTrade(stake); !v.Valid {
		log.Info().
			Str("asset", asset).
			Str("stake", stake.StringFixed(2)).
			Str("reason", v.Reason).
			Msg("🚫 Trade rejected")
		return
	}

	log.Info().
		Str("signal", signal.Reason()).
		Str("tier", string(tier)).
		Str("stake", stake.StringFixed(2)).
		Dur("remaining", snap.TimeRemaining).
		Msg("🎯 SIGNAL DETECTED")

	pos, err := e.executor.Open(ctx, execution.OpenRequest{
		Asset:          asset,
		Direction:      signal.Direction,
		ConditionID:    signal.ConditionID,
		Slug:           signal.Slug,
		TokenID:        signal.TokenID,
		Price:          signal.Entry,
		Stake:          stake,
		Aggressiveness: tier,
		Now:            now,
	})
	if err != nil {
		log.Error().Err(err).Str("asset", asset).Msg("Order failed")
		return
	}

	e.riskMgr.Reserve(pos.Stake)

	e.mu.Lock()
	e.positions[pos.ID] = pos
	e.lastEntry[asset] = pos.CycleStart()
	e.totalTrades++
	e.mu.Unlock()

	if err := e.db.SavePosition(pos); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Failed to persist position")
	}

	if e.tradeNotifier != nil {
		e.tradeNotifier.NotifyOpen(pos)
	}
}

// checkHalt consults the drawdown query and logs transitions once
func (e *Engine) checkHalt() bool {
	hit := e.riskMgr.DrawdownHit()

	e.mu.Lock()
	changed := hit != e.halted
	e.halted = hit
	e.mu.Unlock()

	if changed && hit {
		stats := e.riskMgr.GetStats()
		log.Warn().
			Str("bankroll", stats.Bankroll.StringFixed(2)).
			Str("peak", stats.Peak.StringFixed(2)).
			Msg("🛑 Drawdown limit hit, entries halted")
	} else if changed {
		log.Info().Msg("✅ Drawdown cleared, entries resumed")
	}
	return hit
}

// holding reports whether asset already has, or already had, a position this window
func (e *Engine) holding(asset string, cycle int64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if last, ok := e.lastEntry[asset]; ok && last == cycle {
		return true
	}
	for _, pos := range e.positions {
		if pos.Asset == asset && pos.CycleStart() == cycle {
			return true
		}
	}
	return false
}

// winRate is the asset's recorded win fraction, 0.5 without history
func (e *Engine) winRate(asset string) float64 {
	wins, total, err := e.db.OutcomeStats(asset)
	if err != nil || total == 0 {
		return 0.5
	}
	return float64(wins) / float64(total)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT MONITOR LOOP
// ═══════════════════════════════════════════════════════════════════════════════

// CheckExits evaluates every open position once
func (e *Engine) CheckExits(ctx context.Context) {
	byAsset := lo.GroupBy(e.openPositions(), func(p *types.Position) string { return p.Asset })

	g, gctx := errgroup.WithContext(ctx)
	for asset, positions := range byAsset {
		lock, ok := e.locks[asset]
		if !ok {
			continue
		}
		g.Go(func() error {
			lock.Lock()
			defer lock.Unlock()
			for _, pos := range positions {
				e.checkPosition(gctx, pos)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) checkPosition(ctx context.Context, pos *types.Position) {
	e.mu.RLock()
	_, active := e.positions[pos.ID]
	e.mu.RUnlock()
	if !active || pos.Status != types.StatusOpen {
		return
	}

	now := e.now()
	if types.CycleStart(now) > pos.CycleStart() {
		e.resolve(ctx, pos, now)
		return
	}

	snap := e.market.Snapshot(ctx, pos.Asset, now)
	if snap == nil {
		return
	}

	// without a fresh verdict only the stop loss can fire
	verdict, ok := e.oracle.Latest(pos.Asset)
	if !ok {
		verdict = types.Verdict{Asset: pos.Asset, Prediction: types.DirectionWait, IsLocked: true}
	}

	signal := e.exits.EvaluateExit(pos, verdict, *snap)
	if signal == nil {
		return
	}

	log.Info().
		Str("id", pos.ID).
		Str("asset", pos.Asset).
		Str("reason", signal.Reason).
		Str("price", signal.Price.StringFixed(4)).
		Msg("🚪 Exit triggered")

	if err := e.executor.Close(ctx, pos, signal.Price, signal.Reason, now); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("Exit order failed")
		return
	}
	e.finalize(pos)
}

// resolve settles a position whose window has ended
func (e *Engine) resolve(ctx context.Context, pos *types.Position, now time.Time) {
	res := e.market.Resolution(ctx, pos.Asset, pos.CycleStart())
	if res == nil {
		log.Debug().Str("id", pos.ID).Str("slug", pos.Slug).Msg("Awaiting resolution")
		return
	}

	e.executor.Settle(pos, res.Winner, now)
	if pos.Direction == res.Winner {
		if err := e.db.TrackCondition(pos.ConditionID, pos.Asset, pos.Slug); err != nil {
			log.Error().Err(err).Str("condition", pos.ConditionID).Msg("❌ Failed to track redemption")
		}
	}
	e.finalize(pos)
}

// finalize books a closed position: risk, storage, stats, state machine
func (e *Engine) finalize(pos *types.Position) {
	proceeds := pos.ExitPrice.Mul(pos.Shares)
	e.riskMgr.Release(pos.Stake, proceeds)

	outcome := types.NewTradeOutcome(pos)

	e.mu.Lock()
	delete(e.positions, pos.ID)
	e.totalPnL = e.totalPnL.Add(pos.PnL)
	if outcome.Win {
		e.winCount++
	} else {
		e.lossCount++
	}
	e.mu.Unlock()

	if err := e.db.SavePosition(pos); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Failed to persist closed position")
	}
	if err := e.db.SaveOutcome(outcome); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("❌ Failed to record outcome")
	}

	if machine, ok := e.machines[pos.Asset]; ok {
		machine.Update(strategy.CycleMetrics{}, &strategy.TradeResult{Win: outcome.Win})
	}

	if e.tradeNotifier != nil {
		e.tradeNotifier.NotifyExit(pos)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES (Telegram)
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) openPositions() []*types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return lo.Values(e.positions)
}

// GetOpenPositions returns copies of the active positions, oldest first
func (e *Engine) GetOpenPositions() []types.Position {
	out := lo.Map(e.openPositions(), func(p *types.Position, _ int) types.Position { return *p })
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// GetRecoveryQueue returns copies of the queued orphans in queue order
func (e *Engine) GetRecoveryQueue() []types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return lo.Map(e.recoveryQueue, func(p *types.Position, _ int) types.Position { return *p })
}

// DrainRecovery closes a queued orphan after it has been handled externally
func (e *Engine) DrainRecovery(id, reason string) (*types.Position, error) {
	drained, err := e.db.DrainRecovery(id, reason)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.recoveryQueue = lo.Reject(e.recoveryQueue, func(p *types.Position, _ int) bool { return p.ID == id })
	e.mu.Unlock()

	log.Info().Str("id", id).Str("reason", reason).Msg("🧹 Recovery entry drained")
	return drained, nil
}

// GetStats returns current engine statistics
func (e *Engine) GetStats() Stats {
	tiers := make(map[string]types.Aggressiveness, len(e.machines))
	for asset, m := range e.machines {
		tiers[asset] = m.State()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Trades:        e.totalTrades,
		Wins:          e.winCount,
		Losses:        e.lossCount,
		PnL:           e.totalPnL,
		Open:          len(e.positions),
		RecoveryQueue: len(e.recoveryQueue),
		Recovered:     e.recovered,
		Halted:        e.halted,
		Paused:        e.paused,
		Tiers:         tiers,
		Risk:          e.riskMgr.GetStats(),
	}
}
