package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Positions, recovery queue, outcomes and redemptions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Storage is the source of truth across restarts. Every position change is
// written through; the engine's maps are rebuilt from here by the reconciler.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Redemption statuses
const (
	RedemptionPending  = "pending"
	RedemptionRedeemed = "redeemed"
	RedemptionFailed   = "failed"
)

type Database struct {
	db *gorm.DB
}

// Models

// PositionRecord is one row of the positions table
type PositionRecord struct {
	ID             string          `gorm:"primaryKey"`
	Asset          string          `gorm:"index"`
	Direction      string
	ConditionID    string          `gorm:"index"`
	Slug           string
	TokenID        string
	EntryPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	Stake          decimal.Decimal `gorm:"type:decimal(20,6)"`
	Shares         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status         string          `gorm:"index"`
	Aggressiveness string
	OpenedAt       time.Time
	OpenedAtCycle  int64 `gorm:"index"`
	ClosedAt       *time.Time
	ExitPrice      decimal.Decimal `gorm:"type:decimal(10,6)"`
	PnL            decimal.Decimal `gorm:"column:pnl;type:decimal(20,6)"`
	ExitReason     string

	// Recovery queue membership; seq keeps append order
	InRecovery  bool  `gorm:"index"`
	RecoverySeq int64 `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PositionRecord) TableName() string { return "positions" }

// TradeOutcomeRecord is one closed trade
type TradeOutcomeRecord struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	PositionID string          `gorm:"uniqueIndex"`
	Asset      string          `gorm:"index"`
	PnL        decimal.Decimal `gorm:"column:pnl;type:decimal(20,6)"`
	Win        bool
	Reason     string
	ClosedAt   time.Time
	CreatedAt  time.Time
}

func (TradeOutcomeRecord) TableName() string { return "trade_outcomes" }

// Redemption tracks a won condition until it has been claimed on-chain
type Redemption struct {
	ConditionID string `gorm:"primaryKey"`
	Asset       string
	Slug        string
	Status      string `gorm:"index"`
	TxHash      string
	Error       string
	Attempts    int
	RedeemedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Redemption) TableName() string { return "redemptions" }

// New opens postgres for postgres:// URLs, otherwise a sqlite file (":memory:" works)
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), cfg)
		if err != nil {
			return nil, err
		}
		if dbPath == ":memory:" {
			// each pooled connection would otherwise get its own empty database
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&PositionRecord{}, &TradeOutcomeRecord{}, &Redemption{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close releases the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

func toRecord(p *types.Position) PositionRecord {
	return PositionRecord{
		ID:             p.ID,
		Asset:          p.Asset,
		Direction:      string(p.Direction),
		ConditionID:    p.ConditionID,
		Slug:           p.Slug,
		TokenID:        p.TokenID,
		EntryPrice:     p.EntryPrice,
		Stake:          p.Stake,
		Shares:         p.Shares,
		Status:         string(p.Status),
		Aggressiveness: string(p.Aggressiveness),
		OpenedAt:       p.OpenedAt,
		OpenedAtCycle:  p.OpenedAtCycle,
		ClosedAt:       p.ClosedAt,
		ExitPrice:      p.ExitPrice,
		PnL:            p.PnL,
		ExitReason:     p.ExitReason,
	}
}

func (r PositionRecord) toPosition() *types.Position {
	return &types.Position{
		ID:             r.ID,
		Asset:          r.Asset,
		Direction:      types.Direction(r.Direction),
		ConditionID:    r.ConditionID,
		Slug:           r.Slug,
		TokenID:        r.TokenID,
		EntryPrice:     r.EntryPrice,
		Stake:          r.Stake,
		Shares:         r.Shares,
		Status:         types.PositionStatus(r.Status),
		Aggressiveness: types.Aggressiveness(r.Aggressiveness),
		OpenedAt:       r.OpenedAt,
		OpenedAtCycle:  r.OpenedAtCycle,
		ClosedAt:       r.ClosedAt,
		ExitPrice:      r.ExitPrice,
		PnL:            r.PnL,
		ExitReason:     r.ExitReason,
	}
}

// SavePosition upserts a position; recovery membership is left untouched
func (d *Database) SavePosition(p *types.Position) error {
	rec := toRecord(p)
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "closed_at", "exit_price", "pnl", "exit_reason", "shares", "stake", "updated_at",
		}),
	}).Create(&rec).Error
}

// GetPosition loads a single position by id
func (d *Database) GetPosition(id string) (*types.Position, error) {
	var rec PositionRecord
	err := d.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toPosition(), nil
}

// LoadState reads open positions and the recovery queue
func (d *Database) LoadState() (types.PersistedState, error) {
	var open []PositionRecord
	if err := d.db.
		Where("status = ? AND in_recovery = ?", string(types.StatusOpen), false).
		Order("opened_at ASC").
		Find(&open).Error; err != nil {
		return types.PersistedState{}, err
	}

	queue, err := d.RecoveryQueue()
	if err != nil {
		return types.PersistedState{}, err
	}

	return types.PersistedState{
		Positions:     lo.Map(open, func(r PositionRecord, _ int) *types.Position { return r.toPosition() }),
		RecoveryQueue: queue,
	}, nil
}

// RecoveryQueue returns orphaned positions in the order they were queued
func (d *Database) RecoveryQueue() ([]*types.Position, error) {
	var recs []PositionRecord
	if err := d.db.
		Where("in_recovery = ?", true).
		Order("recovery_seq ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return lo.Map(recs, func(r PositionRecord, _ int) *types.Position { return r.toPosition() }), nil
}

// AppendRecovery marks positions orphaned and appends them to the recovery queue
func (d *Database) AppendRecovery(positions []*types.Position) error {
	if len(positions) == 0 {
		return nil
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&PositionRecord{}).
			Select("COALESCE(MAX(recovery_seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		for i, p := range positions {
			rec := toRecord(p)
			rec.Status = string(types.StatusOrphaned)
			rec.InRecovery = true
			rec.RecoverySeq = maxSeq + int64(i) + 1

			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "in_recovery", "recovery_seq", "updated_at"}),
			}).Create(&rec).Error; err != nil {
				return fmt.Errorf("queue %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// DrainRecovery removes one position from the recovery queue and closes it
func (d *Database) DrainRecovery(id, reason string) (*types.Position, error) {
	var drained *types.Position
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var rec PositionRecord
		if err := tx.First(&rec, "id = ? AND in_recovery = ?", id, true).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := time.Now()
		if err := tx.Model(&rec).Updates(map[string]interface{}{
			"in_recovery": false,
			"status":      string(types.StatusClosed),
			"exit_reason": reason,
			"closed_at":   now,
		}).Error; err != nil {
			return err
		}

		rec.InRecovery = false
		rec.Status = string(types.StatusClosed)
		rec.ExitReason = reason
		rec.ClosedAt = &now
		drained = rec.toPosition()
		return nil
	})
	return drained, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOMES
// ═══════════════════════════════════════════════════════════════════════════════

// SaveOutcome records a closed trade once per position
func (d *Database) SaveOutcome(o types.TradeOutcome) error {
	rec := TradeOutcomeRecord{
		PositionID: o.PositionID,
		Asset:      o.Asset,
		PnL:        o.PnL,
		Win:        o.Win,
		Reason:     o.Reason,
		ClosedAt:   o.ClosedAt,
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// OutcomeStats returns wins and total outcomes for an asset
func (d *Database) OutcomeStats(asset string) (wins, total int64, err error) {
	if err = d.db.Model(&TradeOutcomeRecord{}).Where("asset = ?", asset).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = d.db.Model(&TradeOutcomeRecord{}).Where("asset = ? AND win = ?", asset, true).Count(&wins).Error
	return wins, total, err
}

// GetTotalProfitLoss sums realized PnL across all outcomes
func (d *Database) GetTotalProfitLoss() (decimal.Decimal, error) {
	var outcomes []TradeOutcomeRecord
	if err := d.db.Select("pnl").Find(&outcomes).Error; err != nil {
		return decimal.Zero, err
	}
	return lo.Reduce(outcomes, func(acc decimal.Decimal, o TradeOutcomeRecord, _ int) decimal.Decimal {
		return acc.Add(o.PnL)
	}, decimal.Zero), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// REDEMPTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// TrackCondition registers a won condition for redemption; repeats are ignored
func (d *Database) TrackCondition(conditionID, asset, slug string) error {
	if conditionID == "" {
		return fmt.Errorf("empty condition id")
	}
	rec := Redemption{
		ConditionID: conditionID,
		Asset:       asset,
		Slug:        slug,
		Status:      RedemptionPending,
	}
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// PendingRedemptions lists tracked conditions not yet redeemed, oldest first
func (d *Database) PendingRedemptions() ([]Redemption, error) {
	var recs []Redemption
	err := d.db.
		Where("status <> ?", RedemptionRedeemed).
		Order("created_at ASC").
		Find(&recs).Error
	return recs, err
}

// RecordRedemption stores the result of a redeem attempt
func (d *Database) RecordRedemption(conditionID, txHash, errMsg string) error {
	updates := map[string]interface{}{
		"attempts": gorm.Expr("attempts + 1"),
		"tx_hash":  txHash,
		"error":    errMsg,
	}
	if errMsg == "" {
		now := time.Now()
		updates["status"] = RedemptionRedeemed
		updates["redeemed_at"] = now
	} else {
		updates["status"] = RedemptionFailed
	}

	res := d.db.Model(&Redemption{}).Where("condition_id = ?", conditionID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRedemption loads a tracked condition
func (d *Database) GetRedemption(conditionID string) (*Redemption, error) {
	var rec Redemption
	err := d.db.First(&rec, "condition_id = ?", conditionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}
