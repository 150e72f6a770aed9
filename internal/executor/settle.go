package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
)

// Settle refreshes the order an OPENING or CLOSING instance is waiting on.
func (e *Executor) Settle(ctx context.Context, inst *storage.StrategyInstance) (model.OrderStatus, error) {
	if inst.Context.OrderID == "" {
		return "", nil
	}
	order, err := e.repo.GetOrder(ctx, inst.Context.OrderID)
	if err != nil {
		return "", err
	}
	return e.SettleOrder(ctx, order)
}

// SettlePending refreshes every order still working at the broker.
func (e *Executor) SettlePending(ctx context.Context) (int, error) {
	orders, err := e.repo.PendingOrders(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range orders {
		status, err := e.SettleOrder(ctx, &orders[i])
		if err != nil {
			e.logger.Warn("refresh order", "order_id", orders[i].OrderID, "error", err)
			continue
		}
		if status.IsTerminal() {
			settled++
		}
	}
	return settled, nil
}

// SettleOrder asks the broker for the order's status and applies a terminal
// outcome: order row, signal status, instance transition and capital.
func (e *Executor) SettleOrder(ctx context.Context, order *storage.ExecutionOrder) (model.OrderStatus, error) {
	status, err := e.gateway.GetOrderStatus(ctx, order.OrderID)
	if err != nil {
		return "", fmt.Errorf("status of %s: %w", order.OrderID, err)
	}
	if status == model.OrderUnknown {
		return order.Status, nil
	}

	if status != order.Status {
		if err := e.repo.UpdateOrderStatus(ctx, order.OrderID, status); err != nil {
			return "", err
		}
		order.Status = status
	}
	if !status.IsTerminal() {
		return status, nil
	}

	fill := e.fillOf(ctx, order, status)
	if fill.Quantity > 0 {
		if err := e.repo.UpdateOrderFill(ctx, order.OrderID, fill.Quantity, fill.AvgPrice); err != nil {
			e.logger.Error("record order fill", "order_id", order.OrderID, "error", err)
		}
		order.FilledQuantity, order.AvgFillPrice = fill.Quantity, fill.AvgPrice
	}

	if sigStatus, ok := model.SignalStatusFor(status); ok && order.SignalID != nil {
		if fill.Quantity > 0 {
			sigStatus = model.SignalExecuted
		}
		e.markSignal(ctx, *order.SignalID, sigStatus)
	}
	if order.StrategyID != 0 {
		e.apply(ctx, order, status, fill)
	}
	return status, nil
}

// fillOf returns how much of a terminal order executed. A FILLED order the
// broker cannot detail counts as fully executed at its request price.
func (e *Executor) fillOf(ctx context.Context, order *storage.ExecutionOrder, status model.OrderStatus) broker.Fill {
	var fill broker.Fill
	if fr, ok := e.gateway.(broker.FillReporter); ok {
		f, err := fr.OrderFill(ctx, order.OrderID)
		switch {
		case err == nil:
			fill = f
		case errors.Is(err, broker.ErrUnsupported), errors.Is(err, broker.ErrOrderNotFound):
		default:
			e.logger.Warn("order fill", "order_id", order.OrderID, "error", err)
		}
	}
	if fill.Quantity > order.Quantity {
		fill.Quantity = order.Quantity
	}
	if status == model.OrderFilled {
		if fill.Quantity <= 0 {
			fill.Quantity = order.Quantity
		}
		if fill.AvgPrice <= 0 {
			fill.AvgPrice = order.Price
		}
	}
	return fill
}

func (e *Executor) apply(ctx context.Context, order *storage.ExecutionOrder, status model.OrderStatus, fill broker.Fill) {
	inst, err := e.store.Get(ctx, order.StrategyID, order.Symbol)
	if err != nil {
		e.logger.Error("load instance for order", "order_id", order.OrderID, "error", err)
		return
	}
	c := inst.Context
	if c.OrderID != order.OrderID {
		return
	}

	log := e.logger.With("strategy", order.StrategyID, "symbol", order.Symbol, "order_id", order.OrderID, "status", status)
	filled := status == model.OrderFilled
	partial := !filled && fill.Quantity > 0 && fill.Quantity < c.Quantity
	idle := model.InstanceContext{AssetClass: c.AssetClass}
	now := e.now()

	switch {
	case order.Side == model.SideBuy && inst.State == model.StateOpening && filled:
		c.EntryTime = &now
		if c.EntryPrice <= 0 {
			c.EntryPrice = fill.AvgPrice
		}
		if e.transition(ctx, order, model.StateOpening, model.StateHolding, c, log) {
			log.Info("position opened", "qty", c.Quantity, "price", c.EntryPrice)
			e.notifier.NotifyTrade(fmt.Sprintf("#%d", order.StrategyID), model.SideBuy, c.Traded(order.Symbol), c.Quantity, fill.AvgPrice)
		}

	case order.Side == model.SideBuy && inst.State == model.StateOpening && partial:
		unused := c.AllocationAmount * (1 - fill.Quantity/c.Quantity)
		c.Quantity = fill.Quantity
		c.AllocationAmount -= unused
		if fill.AvgPrice > 0 {
			c.EntryPrice = fill.AvgPrice
		}
		c.EntryTime = &now
		if e.transition(ctx, order, model.StateOpening, model.StateHolding, c, log) {
			e.releaseQuietly(ctx, order.StrategyID, unused, order.Symbol)
			log.Warn("entry order partly filled, holding the executed part", "qty", c.Quantity, "price", c.EntryPrice, "released", unused)
			e.notifier.NotifyTrade(fmt.Sprintf("#%d", order.StrategyID), model.SideBuy, c.Traded(order.Symbol), c.Quantity, fill.AvgPrice)
		}

	case order.Side == model.SideBuy && inst.State == model.StateOpening:
		if e.transition(ctx, order, model.StateOpening, model.StateIdle, idle, log) {
			e.releaseQuietly(ctx, order.StrategyID, c.AllocationAmount, order.Symbol)
			log.Info("entry order did not fill, capital returned")
		}

	case order.Side == model.SideSell && inst.State == model.StateClosing && filled:
		if e.transition(ctx, order, model.StateClosing, model.StateIdle, idle, log) {
			e.releaseQuietly(ctx, order.StrategyID, c.AllocationAmount, order.Symbol)
			e.resetIfFlat(ctx, order.StrategyID)
			log.Info("position closed", "qty", c.Quantity, "price", fill.AvgPrice)
			e.notifier.NotifyTrade(fmt.Sprintf("#%d", order.StrategyID), model.SideSell, c.Traded(order.Symbol), c.Quantity, fill.AvgPrice)
		}

	case order.Side == model.SideSell && inst.State == model.StateClosing && partial:
		freed := c.AllocationAmount * fill.Quantity / c.Quantity
		sold := fill.Quantity
		c.Quantity -= sold
		c.AllocationAmount -= freed
		c.OrderID, c.ClientOrderID = "", ""
		if e.transition(ctx, order, model.StateClosing, model.StateHolding, c, log) {
			e.releaseQuietly(ctx, order.StrategyID, freed, order.Symbol)
			log.Warn("exit order partly filled, still holding the rest", "sold", sold, "remaining", c.Quantity, "released", freed)
			e.notifier.NotifyTrade(fmt.Sprintf("#%d", order.StrategyID), model.SideSell, c.Traded(order.Symbol), sold, fill.AvgPrice)
		}

	case order.Side == model.SideSell && inst.State == model.StateClosing:
		c.OrderID, c.ClientOrderID = "", ""
		if e.transition(ctx, order, model.StateClosing, model.StateHolding, c, log) {
			log.Warn("exit order did not fill, still holding")
		}
	}
}

func (e *Executor) transition(ctx context.Context, order *storage.ExecutionOrder, from, to model.InstanceState, c model.InstanceContext, log *logger.Logger) bool {
	err := e.store.Transition(ctx, order.StrategyID, order.Symbol, from, to, c)
	switch {
	case err == nil:
		return true
	case errors.Is(err, instance.ErrStateConflict):
		log.Debug("order already applied", "error", err)
	default:
		log.Error("apply order outcome", "error", err)
	}
	return false
}

func (e *Executor) resetIfFlat(ctx context.Context, strategyID uint) {
	n, err := e.store.CountActive(ctx, strategyID)
	if err != nil || n > 0 {
		return
	}
	if err := e.ledger.ResetUsedAmount(ctx, strategyID); err != nil {
		e.logger.Error("reset usage", "strategy", strategyID, "error", err)
	}
}

// CancelStale cancels orders that have been working longer than timeout and
// applies the outcome. It returns how many were cancelled.
func (e *Executor) CancelStale(ctx context.Context, timeout time.Duration) (int, error) {
	orders, err := e.repo.PendingOrders(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-timeout)
	cancelled := 0
	for i := range orders {
		o := &orders[i]
		if o.CreatedAt.After(cutoff) {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, o.OrderID); err != nil {
			if errors.Is(err, broker.ErrUnsupported) {
				e.logger.Debug("broker cannot cancel, waiting for expiry", "order_id", o.OrderID)
			} else {
				e.logger.Warn("cancel stale order", "order_id", o.OrderID, "error", err)
			}
			continue
		}
		if _, err := e.SettleOrder(ctx, o); err != nil {
			e.logger.Warn("settle cancelled order", "order_id", o.OrderID, "error", err)
		}
		cancelled++
		e.logger.Info("stale order cancelled", "order_id", o.OrderID, "symbol", o.Symbol, "age", e.now().Sub(o.CreatedAt).String())
	}
	return cancelled, nil
}
