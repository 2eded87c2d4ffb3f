package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/cyclebot/retry"
	"github.com/web3guy0/cyclebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LAYER - Order submission and position bookkeeping
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order Flow:
//   Engine → Risk → Executor → (paper fill | CLOB)
//                      ↓
//               Position opened / closed
//
// Paper mode fills at the quoted price plus simulated slippage. Live mode
// sends a fill-or-kill order through the OrderPlacer under the retry policy
// and books the fill at the limit price.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNoPlacer is returned in live mode when no order placer is wired
var ErrNoPlacer = errors.New("live mode without order placer")

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	OrderStatePending OrderState = "PENDING"
	OrderStateFilled  OrderState = "FILLED"
	OrderStateFailed  OrderState = "FAILED"
)

// Order is one submission to the market
type Order struct {
	ClientID     string
	ExchangeID   string
	TokenID      string
	Asset        string
	Side         types.Direction
	Action       string // BUY or SELL
	Price        decimal.Decimal
	Size         decimal.Decimal // shares
	AvgFillPrice decimal.Decimal
	State        OrderState
	SubmitTime   time.Time
	FillTime     *time.Time
	ErrorMsg     string
}

// OrderPlacer sends a signed order to the exchange and returns its id
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, tokenID string, price, size decimal.Decimal, side string) (string, error)
}

// ExecutorConfig holds executor settings
type ExecutorConfig struct {
	PaperMode   bool
	SlippageBps int
}

// DefaultExecutorConfig returns paper mode with 10bps slippage
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PaperMode:   true,
		SlippageBps: 10,
	}
}

// OpenRequest describes an entry the risk layer has accepted
type OpenRequest struct {
	Asset          string
	Direction      types.Direction
	ConditionID    string
	Slug           string
	TokenID        string
	Price          decimal.Decimal
	Stake          decimal.Decimal
	Aggressiveness types.Aggressiveness
	Now            time.Time
}

// Metrics summarizes executor activity
type Metrics struct {
	TotalOrders    int64
	FilledOrders   int64
	RejectedOrders int64
	TotalVolume    decimal.Decimal
}

// Executor turns accepted decisions into orders and positions
type Executor struct {
	mu     sync.Mutex
	config ExecutorConfig
	placer OrderPlacer
	policy retry.Policy

	totalOrders    int64
	filledOrders   int64
	rejectedOrders int64
	totalVolume    decimal.Decimal
}

var (
	minFill = decimal.NewFromFloat(0.01)
	maxFill = decimal.NewFromFloat(0.99)
)

// NewExecutor creates an executor. placer may be nil in paper mode.
func NewExecutor(placer OrderPlacer, policy retry.Policy, config ExecutorConfig) *Executor {
	mode := "PAPER"
	if !config.PaperMode {
		mode = "LIVE"
	}

	log.Info().
		Str("mode", mode).
		Int("slippage_bps", config.SlippageBps).
		Int("max_attempts", policy.MaxAttempts).
		Msg("⚡ Executor initialized")

	return &Executor{
		config:      config,
		placer:      placer,
		policy:      policy,
		totalVolume: decimal.Zero,
	}
}

// IsPaper reports whether fills are simulated
func (e *Executor) IsPaper() bool {
	return e.config.PaperMode
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Open buys stake worth of the chosen side and returns the OPEN position
func (e *Executor) Open(ctx context.Context, req OpenRequest) (*types.Position, error) {
	if !req.Direction.Tradable() {
		return nil, fmt.Errorf("cannot open %s position", req.Direction)
	}
	if !req.Price.IsPositive() || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("entry price %s outside (0,1)", req.Price)
	}
	if !req.Stake.IsPositive() {
		return nil, fmt.Errorf("stake must be positive")
	}

	order := &Order{
		TokenID: req.TokenID,
		Asset:   req.Asset,
		Side:    req.Direction,
		Action:  "BUY",
		Price:   req.Price,
		Size:    req.Stake.Div(req.Price).Round(6),
	}
	filled, err := e.submit(ctx, order)
	if err != nil {
		return nil, err
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	pos := &types.Position{
		ID:             uuid.NewString(),
		Asset:          req.Asset,
		Direction:      req.Direction,
		ConditionID:    req.ConditionID,
		Slug:           req.Slug,
		TokenID:        req.TokenID,
		EntryPrice:     filled.AvgFillPrice,
		Stake:          req.Stake,
		Shares:         req.Stake.Div(filled.AvgFillPrice).Round(6),
		Status:         types.StatusOpen,
		OpenedAt:       now,
		OpenedAtCycle:  types.CycleStart(now),
		Aggressiveness: req.Aggressiveness,
	}

	log.Info().
		Str("id", pos.ID).
		Str("asset", pos.Asset).
		Str("side", string(pos.Direction)).
		Str("entry", pos.EntryPrice.StringFixed(4)).
		Str("stake", pos.Stake.StringFixed(2)).
		Str("tier", string(pos.Aggressiveness)).
		Msg("📈 Position opened")

	return pos, nil
}

// Close sells the position's shares at price and marks it CLOSED
func (e *Executor) Close(ctx context.Context, pos *types.Position, price decimal.Decimal, reason string, now time.Time) error {
	if pos.Status != types.StatusOpen {
		return fmt.Errorf("position %s is %s", pos.ID, pos.Status)
	}

	order := &Order{
		TokenID: pos.TokenID,
		Asset:   pos.Asset,
		Side:    pos.Direction,
		Action:  "SELL",
		Price:   price,
		Size:    pos.Shares,
	}
	filled, err := e.submit(ctx, order)
	if err != nil {
		return err
	}

	book(pos, filled.AvgFillPrice, reason, now)
	return nil
}

// Settle closes a position at its resolution payout without an order;
// the winning side redeems on-chain later
func (e *Executor) Settle(pos *types.Position, winner types.Direction, now time.Time) {
	payout := decimal.Zero
	reason := "RESOLVED_LOSS"
	if pos.Direction == winner {
		payout = decimal.NewFromInt(1)
		reason = "RESOLVED_WIN"
	}
	book(pos, payout, reason, now)
}

// book applies PnL = (exit - entry) * shares and logs the close
func book(pos *types.Position, exit decimal.Decimal, reason string, now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	pos.Status = types.StatusClosed
	pos.ExitPrice = exit
	pos.PnL = exit.Sub(pos.EntryPrice).Mul(pos.Shares).Round(6)
	pos.ExitReason = reason
	pos.ClosedAt = &now

	emoji := "💰"
	if pos.PnL.IsNegative() {
		emoji = "💸"
	}
	log.Info().
		Str("id", pos.ID).
		Str("asset", pos.Asset).
		Str("reason", reason).
		Str("entry", pos.EntryPrice.StringFixed(4)).
		Str("exit", exit.StringFixed(4)).
		Str("pnl", pos.PnL.StringFixed(2)).
		Msg(emoji + " Position closed")
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER SUBMISSION
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) submit(ctx context.Context, order *Order) (*Order, error) {
	order.ClientID = fmt.Sprintf("CB_%s_%s", order.Asset, uuid.NewString()[:8])
	order.State = OrderStatePending
	order.SubmitTime = time.Now()

	e.mu.Lock()
	e.totalOrders++
	e.mu.Unlock()

	log.Debug().
		Str("client_id", order.ClientID).
		Str("asset", order.Asset).
		Str("side", string(order.Side)).
		Str("action", order.Action).
		Str("price", order.Price.StringFixed(4)).
		Str("size", order.Size.StringFixed(2)).
		Msg("📤 Order submitted")

	if e.config.PaperMode {
		return e.simulateFill(order), nil
	}
	return e.executeLive(ctx, order)
}

// simulateFill fills fully with slippage against us, clamped to [0.01, 0.99]
func (e *Executor) simulateFill(order *Order) *Order {
	slippage := decimal.NewFromInt(int64(e.config.SlippageBps)).Div(decimal.NewFromInt(10000))

	var fillPrice decimal.Decimal
	if order.Action == "BUY" {
		fillPrice = order.Price.Mul(decimal.NewFromInt(1).Add(slippage))
	} else {
		fillPrice = order.Price.Mul(decimal.NewFromInt(1).Sub(slippage))
	}
	if fillPrice.LessThan(minFill) {
		fillPrice = minFill
	}
	if fillPrice.GreaterThan(maxFill) {
		fillPrice = maxFill
	}

	e.fill(order, fillPrice)

	log.Info().
		Str("client_id", order.ClientID).
		Str("asset", order.Asset).
		Str("action", order.Action).
		Str("fill_price", fillPrice.StringFixed(4)).
		Str("size", order.Size.StringFixed(2)).
		Msg("✅ Order filled (PAPER)")

	return order
}

func (e *Executor) executeLive(ctx context.Context, order *Order) (*Order, error) {
	if e.placer == nil {
		e.reject(order, ErrNoPlacer)
		return order, ErrNoPlacer
	}
	if order.TokenID == "" {
		err := fmt.Errorf("%s: no token id for %s", order.Asset, order.Side)
		e.reject(order, err)
		return order, err
	}

	id, err := retry.Do(ctx, e.policy, func(ctx context.Context) (string, error) {
		return e.placer.PlaceOrder(ctx, order.TokenID, order.Price, order.Size, order.Action)
	})
	if err != nil {
		e.reject(order, err)
		log.Error().
			Err(err).
			Str("client_id", order.ClientID).
			Msg("❌ Order failed after retries")
		return order, fmt.Errorf("order failed: %w", err)
	}

	order.ExchangeID = id
	e.fill(order, order.Price)
	return order, nil
}

func (e *Executor) fill(order *Order, price decimal.Decimal) {
	now := time.Now()
	order.FillTime = &now
	order.AvgFillPrice = price
	order.State = OrderStateFilled

	e.mu.Lock()
	e.filledOrders++
	e.totalVolume = e.totalVolume.Add(price.Mul(order.Size))
	e.mu.Unlock()
}

func (e *Executor) reject(order *Order, err error) {
	order.State = OrderStateFailed
	order.ErrorMsg = err.Error()

	e.mu.Lock()
	e.rejectedOrders++
	e.mu.Unlock()
}

// GetMetrics returns execution counters
func (e *Executor) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Metrics{
		TotalOrders:    e.totalOrders,
		FilledOrders:   e.filledOrders,
		RejectedOrders: e.rejectedOrders,
		TotalVolume:    e.totalVolume,
	}
}
