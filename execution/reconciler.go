package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/web3guy0/cyclebot/storage"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup position recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// On startup or reconnect:
// 1. Load persisted OPEN positions and the recovery queue
// 2. Positions opened in an earlier window are ORPHANED_BY_CRASH and appended
//    to the queue; nothing is dropped
// 3. Positions of the current window resume as the active set
//
// Must finish before the engine accepts a new entry.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ReconcileResult is the authoritative in-memory state after recovery
type ReconcileResult struct {
	Active        map[string]*types.Position
	RecoveryQueue []*types.Position
}

// Orphaned returns the queue entries added by this reconciliation
func (r ReconcileResult) Orphaned(prior int) []*types.Position {
	if prior >= len(r.RecoveryQueue) {
		return nil
	}
	return r.RecoveryQueue[prior:]
}

// Reconcile splits persisted positions by window. The prior queue is kept
// as a prefix of the returned queue.
func Reconcile(state types.PersistedState, currentCycle int64) ReconcileResult {
	queue := make([]*types.Position, 0, len(state.RecoveryQueue)+len(state.Positions))
	queue = append(queue, state.RecoveryQueue...)
	active := make(map[string]*types.Position)

	for _, pos := range state.Positions {
		if pos == nil {
			continue
		}
		if pos.CycleStart() < currentCycle {
			pos.Status = types.StatusOrphaned
			queue = append(queue, pos)
			continue
		}
		active[pos.ID] = pos
	}

	return ReconcileResult{Active: active, RecoveryQueue: queue}
}

// Reconciler runs Reconcile against storage
type Reconciler struct {
	db *storage.Database
}

// NewReconciler creates a position reconciler
func NewReconciler(db *storage.Database) *Reconciler {
	return &Reconciler{db: db}
}

// Recover loads persisted state, reconciles it against the window of now,
// and persists the newly orphaned positions to the queue
func (r *Reconciler) Recover(ctx context.Context, now time.Time) (ReconcileResult, error) {
	if err := ctx.Err(); err != nil {
		return ReconcileResult{}, err
	}

	state, err := r.db.LoadState()
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load persisted positions")
		return ReconcileResult{}, fmt.Errorf("load state: %w", err)
	}

	if len(state.Positions) == 0 && len(state.RecoveryQueue) == 0 {
		log.Info().Msg("📦 No persisted positions to recover")
		return Reconcile(state, types.CycleStart(now)), nil
	}

	result := Reconcile(state, types.CycleStart(now))
	orphaned := result.Orphaned(len(state.RecoveryQueue))

	if err := r.db.AppendRecovery(orphaned); err != nil {
		log.Error().Err(err).Msg("❌ Failed to persist orphaned positions")
		return ReconcileResult{}, fmt.Errorf("append recovery: %w", err)
	}

	for _, pos := range orphaned {
		log.Warn().
			Str("id", pos.ID).
			Str("asset", pos.Asset).
			Str("side", string(pos.Direction)).
			Str("stake", pos.Stake.StringFixed(2)).
			Int64("cycle", pos.CycleStart()).
			Msg("🧟 Position orphaned by crash")
	}
	for _, pos := range result.Active {
		log.Info().
			Str("id", pos.ID).
			Str("asset", pos.Asset).
			Str("side", string(pos.Direction)).
			Str("entry", pos.EntryPrice.StringFixed(4)).
			Msg("📥 Recovered position")
	}

	log.Info().
		Int("active", len(result.Active)).
		Int("orphaned", len(orphaned)).
		Int("queue", len(result.RecoveryQueue)).
		Strs("assets", lo.Uniq(lo.Map(lo.Values(result.Active), func(p *types.Position, _ int) string { return p.Asset }))).
		Msg("✅ Position recovery complete")

	return result, nil
}
