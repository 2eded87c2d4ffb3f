// Package settlement claims collateral for won positions once their
// market has resolved.
package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cyclebot/feeds"
	"github.com/web3guy0/cyclebot/internal/config"
	"github.com/web3guy0/cyclebot/retry"
	"github.com/web3guy0/cyclebot/storage"
)

// ErrNotInitialized is reported when no chain collaborator is configured
var ErrNotInitialized = errors.New("Not initialized")

// give up on a condition after this many failed scans
const maxRedeemAttempts = 10

// PendingTx is a broadcast transaction awaiting its receipt
type PendingTx interface {
	Hash() string
	Wait(ctx context.Context) error
}

// ChainSubmitter sends the CTF claim for a condition
type ChainSubmitter interface {
	RedeemPositions(ctx context.Context, collateral common.Address, parent, condition [32]byte, indexSets []*big.Int) (PendingTx, error)
}

// ResolutionChecker reports whether a window has settled
type ResolutionChecker interface {
	ResolveSlug(ctx context.Context, slug string) *feeds.Resolution
}

// RedemptionStore tracks conditions waiting for a claim
type RedemptionStore interface {
	PendingRedemptions() ([]storage.Redemption, error)
	RecordRedemption(conditionID, txHash, errMsg string) error
}

// Notifier is told about confirmed claims
type Notifier interface {
	NotifyRedeemed(asset, conditionID, txHash string)
}

// RedeemResult never carries a raw error; failures are in Error
type RedeemResult struct {
	Success bool
	Hash    string
	Error   string
}

type redeemOptions struct {
	indexSets []*big.Int
	parent    [32]byte
}

// RedeemOption overrides the claim parameters
type RedeemOption func(*redeemOptions)

// WithIndexSets replaces the default [1, 2] index sets
func WithIndexSets(sets ...int64) RedeemOption {
	return func(o *redeemOptions) {
		o.indexSets = make([]*big.Int, len(sets))
		for i, s := range sets {
			o.indexSets[i] = big.NewInt(s)
		}
	}
}

// WithParentCollection sets a non-zero parent collection id
func WithParentCollection(parent [32]byte) RedeemOption {
	return func(o *redeemOptions) {
		o.parent = parent
	}
}

// Redeemer claims payouts through the chain collaborator
type Redeemer struct {
	submitter      ChainSubmitter
	collateral     common.Address
	policy         retry.Policy
	confirmTimeout time.Duration

	store    RedemptionStore
	resolver ResolutionChecker
	notifier Notifier
}

// NewRedeemer creates a redeemer. A nil submitter yields "Not initialized"
// results; nil store or resolver make ScanAndRedeemAll a no-op.
func NewRedeemer(submitter ChainSubmitter, cfg config.ChainConfig, policy retry.Policy, store RedemptionStore, resolver ResolutionChecker) *Redeemer {
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Redeemer{
		submitter:      submitter,
		collateral:     common.HexToAddress(cfg.CollateralToken),
		policy:         policy,
		confirmTimeout: timeout,
		store:          store,
		resolver:       resolver,
	}
}

// SetNotifier sets the claim notifier
func (r *Redeemer) SetNotifier(n Notifier) {
	r.notifier = n
}

// Redeem submits and confirms a claim for one condition
func (r *Redeemer) Redeem(ctx context.Context, conditionID string, opts ...RedeemOption) (result RedeemResult) {
	if r == nil || r.submitter == nil {
		return RedeemResult{Error: ErrNotInitialized.Error()}
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("condition", conditionID).Msg("❌ Redeem panicked")
			result = RedeemResult{Hash: result.Hash, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()

	o := redeemOptions{indexSets: []*big.Int{big.NewInt(1), big.NewInt(2)}}
	for _, opt := range opts {
		opt(&o)
	}

	condition, err := hexToBytes32(conditionID)
	if err != nil {
		return RedeemResult{Error: fmt.Sprintf("invalid condition id: %v", err)}
	}

	tx, err := retry.Do(ctx, r.policy, func(ctx context.Context) (PendingTx, error) {
		return r.submitter.RedeemPositions(ctx, r.collateral, o.parent, condition, o.indexSets)
	})
	if err != nil {
		log.Warn().Err(err).Str("condition", conditionID).Msg("⚠️ Redeem submission failed")
		return RedeemResult{Error: err.Error()}
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()

	if err := tx.Wait(waitCtx); err != nil {
		log.Warn().Err(err).Str("condition", conditionID).Str("tx", tx.Hash()).Msg("⚠️ Redeem not confirmed")
		return RedeemResult{Hash: tx.Hash(), Error: err.Error()}
	}

	log.Info().Str("condition", conditionID).Str("tx", tx.Hash()).Msg("🏦 Redeemed")
	return RedeemResult{Success: true, Hash: tx.Hash()}
}

// ScanAndRedeemAll claims every tracked condition whose market has resolved.
// Returns the number of successful claims.
func (r *Redeemer) ScanAndRedeemAll(ctx context.Context) int {
	if r == nil || r.store == nil || r.resolver == nil {
		return 0
	}

	pending, err := r.store.PendingRedemptions()
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load pending redemptions")
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	redeemed := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}
		if rec.Attempts >= maxRedeemAttempts {
			continue
		}

		if res := r.resolver.ResolveSlug(ctx, rec.Slug); res == nil {
			log.Debug().Str("slug", rec.Slug).Msg("Market not resolved yet")
			continue
		}

		result := r.Redeem(ctx, rec.ConditionID)
		if err := r.store.RecordRedemption(rec.ConditionID, result.Hash, result.Error); err != nil {
			log.Error().Err(err).Str("condition", rec.ConditionID).Msg("❌ Failed to record redemption")
		}
		if !result.Success {
			continue
		}

		redeemed++
		if r.notifier != nil {
			r.notifier.NotifyRedeemed(rec.Asset, rec.ConditionID, result.Hash)
		}
	}

	if redeemed > 0 {
		log.Info().Int("redeemed", redeemed).Int("pending", len(pending)).Msg("💵 Redemption scan complete")
	}
	return redeemed
}

// Run scans immediately and then every interval until ctx ends
func (r *Redeemer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	log.Info().Dur("interval", interval).Msg("🔄 Redeemer started")

	r.ScanAndRedeemAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ScanAndRedeemAll(ctx)
		}
	}
}

// hexToBytes32 converts a 0x-prefixed hex string to [32]byte
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
