// Package executor drives one trade through the broker and keeps the
// instance state, the ledger and the order/signal records in step with it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

var ErrNotHolding = errors.New("instance holds no position")

// Notifier is the subset of telegram.Notifier the executor reports to.
type Notifier interface {
	NotifyTrade(strategy string, side model.Side, symbol string, qty, price float64)
	NotifyError(context string, err error)
}

type Executor struct {
	gateway  broker.Gateway
	ledger   *ledger.Ledger
	store    *instance.Store
	repo     *storage.Repository
	notifier Notifier
	logger   *logger.Logger
	now      func() time.Time
}

func NewExecutor(
	gw broker.Gateway,
	l *ledger.Ledger,
	store *instance.Store,
	repo *storage.Repository,
	notifier Notifier,
	log *logger.Logger,
) *Executor {
	return &Executor{
		gateway:  gw,
		ledger:   l,
		store:    store,
		repo:     repo,
		notifier: notifier,
		logger:   log,
		now:      time.Now,
	}
}

// WithClock replaces the clock stamped on order rows.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// OpenRequest opens a position with capital the caller already reserved.
type OpenRequest struct {
	StrategyID uint
	Symbol     string
	Intent     model.TradingIntent
	Quantity   float64
	Amount     float64
	SignalID   uint
}

// Open moves IDLE -> OPENING and submits the entry order. A definitive
// broker refusal reverts to IDLE and returns the reserved capital. A
// transient failure that survived the retries leaves the instance OPENING:
// the order may have reached the broker, and the reconciler decides later.
func (e *Executor) Open(ctx context.Context, req OpenRequest) (*storage.ExecutionOrder, error) {
	sym := symbol.Normalize(req.Symbol)
	c := openingContext(req)

	if err := e.store.Transition(ctx, req.StrategyID, sym, model.StateIdle, model.StateOpening, c); err != nil {
		e.releaseQuietly(ctx, req.StrategyID, req.Amount, sym)
		return nil, fmt.Errorf("open %s: %w", sym, err)
	}

	orderReq := broker.OrderRequest{
		ClientOrderID: c.ClientOrderID,
		Symbol:        c.TradedSymbol,
		Side:          model.SideBuy,
		Quantity:      req.Quantity,
		Price:         req.Intent.EntryPrice,
		Type:          orderType(req.Intent.EntryPrice),
	}
	orderID, err := e.gateway.SubmitOrder(ctx, orderReq)
	if err != nil {
		if broker.IsRetryable(err) {
			e.logger.Error("entry order outcome unknown, leaving OPENING",
				"strategy", req.StrategyID, "symbol", sym, "client_order_id", c.ClientOrderID, "error", err)
			return nil, fmt.Errorf("open %s: %w", sym, err)
		}
		e.logger.Warn("entry order refused", "strategy", req.StrategyID, "symbol", sym, "error", err)
		idle := model.InstanceContext{AssetClass: c.AssetClass}
		if terr := e.store.Transition(ctx, req.StrategyID, sym, model.StateOpening, model.StateIdle, idle); terr != nil {
			e.logger.Error("revert OPENING", "strategy", req.StrategyID, "symbol", sym, "error", terr)
			return nil, fmt.Errorf("open %s: %w", sym, err)
		}
		e.releaseQuietly(ctx, req.StrategyID, req.Amount, sym)
		e.markSignal(ctx, req.SignalID, model.SignalRejected)
		return nil, fmt.Errorf("open %s: %w", sym, err)
	}

	order, err := e.record(ctx, req.StrategyID, sym, orderReq, orderID, req.SignalID)
	if err != nil {
		return nil, err
	}

	c.OrderID = orderID
	if err := e.attach(ctx, req.StrategyID, sym, model.StateOpening, c); err != nil {
		return order, err
	}

	e.logger.Info("entry order submitted",
		"strategy", req.StrategyID, "symbol", sym, "traded", c.TradedSymbol,
		"qty", req.Quantity, "price", req.Intent.EntryPrice, "order_id", orderID)

	if _, err := e.SettleOrder(ctx, order); err != nil {
		e.logger.Debug("entry order not settled yet", "order_id", orderID, "error", err)
	}
	return order, nil
}

func openingContext(req OpenRequest) model.InstanceContext {
	in := req.Intent
	class := in.AssetClass
	if class == "" {
		class = model.AssetStock
		if in.Option != nil {
			class = model.AssetOption
		}
	}
	c := model.InstanceContext{
		AssetClass:       class,
		TradedSymbol:     symbol.Normalize(in.Traded()),
		EntryPrice:       in.EntryPrice,
		Quantity:         req.Quantity,
		AllocationAmount: req.Amount,
		ClientOrderID:    uuid.NewString(),
		SignalID:         req.SignalID,
		Metadata:         in.Metadata,
	}
	if class == model.AssetOption {
		c.Option = in.Option
	} else if in.StopLoss > 0 || in.TakeProfit > 0 {
		c.Stock = &model.StockLeg{StopLoss: in.StopLoss, TakeProfit: in.TakeProfit}
	}
	return c
}

func orderType(price float64) broker.OrderType {
	if price > 0 {
		return broker.OrderLimit
	}
	return broker.OrderMarket
}

// CloseRequest closes a HOLDING instance. Price zero sends a market order.
// Without a SignalID a SELL signal is logged for the close.
type CloseRequest struct {
	StrategyID uint
	Symbol     string
	Price      float64
	Reason     string
	SignalID   uint
}

// Close moves HOLDING -> CLOSING and submits the exit order. An instance
// left CLOSING by a failed submission (no order id yet) is resubmitted with
// the same client order id, so a retry can never sell twice.
func (e *Executor) Close(ctx context.Context, req CloseRequest) (*storage.ExecutionOrder, error) {
	sym := symbol.Normalize(req.Symbol)
	inst, err := e.store.Get(ctx, req.StrategyID, sym)
	if err != nil {
		return nil, err
	}

	c := inst.Context
	switch {
	case inst.State == model.StateHolding:
	case inst.State == model.StateClosing && c.OrderID == "" && c.ClientOrderID != "":
	default:
		return nil, fmt.Errorf("close %s: %w (state %s)", sym, ErrNotHolding, inst.State)
	}
	if c.Quantity <= 0 {
		return nil, fmt.Errorf("close %s: %w", sym, ErrNotHolding)
	}

	signalID := req.SignalID
	if signalID == 0 {
		signalID = c.SignalID
		if inst.State == model.StateHolding {
			sig := &storage.StrategySignal{
				CreatedAt:  e.now(),
				StrategyID: req.StrategyID,
				Symbol:     sym,
				SignalType: model.SideSell,
				Price:      req.Price,
				Quantity:   c.Quantity,
				Reason:     req.Reason,
				Status:     model.SignalPending,
			}
			if err := e.repo.CreateSignal(ctx, sig); err != nil {
				return nil, fmt.Errorf("log close signal: %w", err)
			}
			signalID = sig.ID
		}
	}

	if inst.State == model.StateHolding {
		c.ClientOrderID = uuid.NewString()
		c.OrderID = ""
		c.SignalID = signalID
		if err := e.store.Transition(ctx, req.StrategyID, sym, model.StateHolding, model.StateClosing, c); err != nil {
			e.markSignal(ctx, signalID, model.SignalIgnored)
			return nil, fmt.Errorf("close %s: %w", sym, err)
		}
	}

	orderReq := broker.OrderRequest{
		ClientOrderID: c.ClientOrderID,
		Symbol:        c.Traded(sym),
		Side:          model.SideSell,
		Quantity:      c.Quantity,
		Price:         req.Price,
		Type:          orderType(req.Price),
	}
	orderID, err := e.gateway.SubmitOrder(ctx, orderReq)
	if err != nil {
		if broker.IsRetryable(err) {
			e.logger.Error("exit order outcome unknown, leaving CLOSING",
				"strategy", req.StrategyID, "symbol", sym, "client_order_id", c.ClientOrderID, "error", err)
			return nil, fmt.Errorf("close %s: %w", sym, err)
		}
		e.logger.Warn("exit order refused", "strategy", req.StrategyID, "symbol", sym, "error", err)
		c.ClientOrderID = ""
		if terr := e.store.Transition(ctx, req.StrategyID, sym, model.StateClosing, model.StateHolding, c); terr != nil {
			e.logger.Error("revert CLOSING", "strategy", req.StrategyID, "symbol", sym, "error", terr)
		}
		e.markSignal(ctx, signalID, model.SignalRejected)
		return nil, fmt.Errorf("close %s: %w", sym, err)
	}

	order, err := e.record(ctx, req.StrategyID, sym, orderReq, orderID, signalID)
	if err != nil {
		return nil, err
	}
	c.OrderID = orderID
	if err := e.attach(ctx, req.StrategyID, sym, model.StateClosing, c); err != nil {
		return order, err
	}

	e.logger.Info("exit order submitted",
		"strategy", req.StrategyID, "symbol", sym, "traded", orderReq.Symbol,
		"qty", c.Quantity, "price", req.Price, "reason", req.Reason, "order_id", orderID)

	if _, err := e.SettleOrder(ctx, order); err != nil {
		e.logger.Debug("exit order not settled yet", "order_id", orderID, "error", err)
	}
	return order, nil
}

// attach stores the broker order id on an instance still in state. When the
// instance moved while the order was in flight the order row stays as the
// only record and reconciliation adopts the position.
func (e *Executor) attach(ctx context.Context, strategyID uint, sym string, state model.InstanceState, c model.InstanceContext) error {
	err := e.store.Transition(ctx, strategyID, sym, state, state, c)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, instance.ErrStateConflict):
		e.logger.Audit(true, "instance moved while its order was submitted, order left to reconciliation",
			"strategy", strategyID, "symbol", sym, "order_id", c.OrderID, "error", err)
		return nil
	default:
		return fmt.Errorf("store order id for %s: %w", sym, err)
	}
}

func (e *Executor) record(ctx context.Context, strategyID uint, sym string, req broker.OrderRequest, orderID string, signalID uint) (*storage.ExecutionOrder, error) {
	order := &storage.ExecutionOrder{
		CreatedAt:     e.now(),
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		StrategyID:    strategyID,
		Symbol:        sym,
		TradedSymbol:  symbol.Normalize(req.Symbol),
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        model.OrderSubmitted,
	}
	if signalID != 0 {
		order.SignalID = &signalID
	}
	if err := e.repo.CreateOrder(ctx, order); err != nil {
		e.logger.Error("record order", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("record order %s: %w", orderID, err)
	}
	return order, nil
}

// Flatten buys back a short position at market. The order belongs to no
// strategy.
func (e *Executor) Flatten(ctx context.Context, pos broker.Position) (*storage.ExecutionOrder, error) {
	if pos.Quantity >= 0 {
		return nil, fmt.Errorf("flatten %s: position is not short", pos.Symbol)
	}
	req := broker.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol.Normalize(pos.Symbol),
		Side:          model.SideBuy,
		Quantity:      -pos.Quantity,
		Type:          broker.OrderMarket,
	}
	orderID, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("flatten %s: %w", req.Symbol, err)
	}
	return e.record(ctx, 0, req.Symbol, req, orderID, 0)
}

func (e *Executor) releaseQuietly(ctx context.Context, strategyID uint, amount float64, sym string) {
	if amount <= 0 {
		return
	}
	if err := e.ledger.ReleaseAllocation(ctx, strategyID, amount, sym); err != nil {
		e.logger.Error("release allocation", "strategy", strategyID, "symbol", sym, "amount", amount, "error", err)
	}
}

func (e *Executor) markSignal(ctx context.Context, id uint, status model.SignalStatus) {
	if err := e.repo.UpdateSignalStatus(ctx, id, status); err != nil {
		e.logger.Error("update signal", "signal", id, "status", status, "error", err)
	}
}
