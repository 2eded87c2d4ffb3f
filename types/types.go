package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// CycleSeconds is the length of one market window.
const CycleSeconds int64 = 900

// CycleStart floors a timestamp to the start of its 900-second window (unix seconds)
func CycleStart(t time.Time) int64 {
	return FloorCycle(t.Unix())
}

// FloorCycle floors unix seconds to a cycle boundary
func FloorCycle(unix int64) int64 {
	start := (unix / CycleSeconds) * CycleSeconds
	if unix < 0 && unix%CycleSeconds != 0 {
		start -= CycleSeconds
	}
	return start
}

// Direction is a predicted or held outcome side
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionWait Direction = "WAIT"
)

// Valid reports whether d is one of the known directions
func (d Direction) Valid() bool {
	switch d {
	case DirectionUp, DirectionDown, DirectionWait:
		return true
	}
	return false
}

// Tradable reports whether a position can be held in this direction
func (d Direction) Tradable() bool {
	return d == DirectionUp || d == DirectionDown
}

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	StatusOpen     PositionStatus = "OPEN"
	StatusClosed   PositionStatus = "CLOSED"
	StatusOrphaned PositionStatus = "ORPHANED_BY_CRASH"
)

// Aggressiveness is the cycle state machine tier
type Aggressiveness string

const (
	Observe Aggressiveness = "OBSERVE"
	Harvest Aggressiveness = "HARVEST"
	Strike  Aggressiveness = "STRIKE"
)

// MarketSnapshot is one fetch of an up/down market. Treat as immutable.
type MarketSnapshot struct {
	Asset         string
	YesPrice      decimal.Decimal // UP token
	NoPrice       decimal.Decimal // DOWN token
	TimeRemaining time.Duration
	Volume        decimal.Decimal
	ConditionID   string
	Slug          string
	CycleStart    int64
	FetchedAt     time.Time
	UpTokenID     string
	DownTokenID   string
}

// PriceFor returns the token price for the given side
func (m MarketSnapshot) PriceFor(dir Direction) decimal.Decimal {
	if dir == DirectionUp {
		return m.YesPrice
	}
	return m.NoPrice
}

// TokenFor returns the CLOB token id for the given side
func (m MarketSnapshot) TokenFor(dir Direction) string {
	if dir == DirectionUp {
		return m.UpTokenID
	}
	return m.DownTokenID
}

// Verdict is the oracle's call for an asset
type Verdict struct {
	Asset      string
	Prediction Direction
	Confidence float64
	IsLocked   bool // suppresses reversal and drain exits
	ReceivedAt time.Time
}

// Position represents a held stake in one cycle's market
type Position struct {
	ID             string
	Asset          string
	Direction      Direction
	ConditionID    string
	Slug           string
	TokenID        string
	EntryPrice     decimal.Decimal
	Stake          decimal.Decimal // collateral spent
	Shares         decimal.Decimal
	Status         PositionStatus
	OpenedAt       time.Time
	OpenedAtCycle  int64
	Aggressiveness Aggressiveness

	ClosedAt   *time.Time
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
	ExitReason string
}

// CycleStart returns the window the position was opened in
func (p *Position) CycleStart() int64 {
	return CycleStart(p.OpenedAt)
}

// TradeOutcome is produced once per closed position
type TradeOutcome struct {
	PositionID string
	Asset      string
	PnL        decimal.Decimal
	Win        bool
	Reason     string
	ClosedAt   time.Time
}

// NewTradeOutcome builds an outcome from a closed position
func NewTradeOutcome(pos *Position) TradeOutcome {
	closedAt := time.Now()
	if pos.ClosedAt != nil {
		closedAt = *pos.ClosedAt
	}
	return TradeOutcome{
		PositionID: pos.ID,
		Asset:      pos.Asset,
		PnL:        pos.PnL,
		Win:        pos.PnL.GreaterThan(decimal.Zero),
		Reason:     pos.ExitReason,
		ClosedAt:   closedAt,
	}
}

// PersistedState is what storage holds across restarts
type PersistedState struct {
	Positions     []*Position
	RecoveryQueue []*Position
}
