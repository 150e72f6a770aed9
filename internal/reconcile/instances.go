package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

// matchPosition finds the long broker position an instance accounts for.
func matchPosition(inst storage.StrategyInstance, positions []broker.Position) (broker.Position, bool) {
	for _, p := range positions {
		if p.Quantity > 0 && symbol.Matches(inst.Symbol, inst.Context.TradedSymbol, p.Symbol) {
			return p, true
		}
	}
	return broker.Position{}, false
}

func hasPending(inst storage.StrategyInstance, pending []storage.ExecutionOrder) bool {
	for _, o := range pending {
		if o.StrategyID == inst.StrategyID && o.Symbol == inst.Symbol {
			return true
		}
	}
	return false
}

func (r *Reconciler) repairInstances(ctx context.Context, positions []broker.Position, pending []storage.ExecutionOrder, rep *Report) error {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}

	for _, inst := range active {
		if r.submitting(inst) {
			r.logger.Debug("order submission in flight, instance skipped",
				"strategy", inst.StrategyID, "symbol", inst.Symbol, "state", inst.State, "client_order_id", inst.Context.ClientOrderID)
			continue
		}
		pos, held := matchPosition(inst, positions)
		working := hasPending(inst, pending)

		switch {
		case !held && !working:
			r.releaseStale(ctx, inst, rep)
		case held && inst.State == model.StateOpening:
			r.promoteMissedFill(ctx, inst, pos, rep)
		case held && inst.State == model.StateClosing && !working:
			r.revertAbandonedClose(ctx, inst, rep)
		}
	}
	return nil
}

// submitting reports an OPENING or CLOSING instance whose order was handed to
// the broker within the grace period and has no broker order id yet.
func (r *Reconciler) submitting(inst storage.StrategyInstance) bool {
	if inst.State != model.StateOpening && inst.State != model.StateClosing {
		return false
	}
	c := inst.Context
	return c.OrderID == "" && c.ClientOrderID != "" && r.now().Sub(inst.LastUpdated) < r.opts.SubmitGrace
}

// repair applies a fix only if the instance is still the row that was listed.
func (r *Reconciler) repair(ctx context.Context, inst storage.StrategyInstance, to model.InstanceState, c model.InstanceContext, reason string) bool {
	err := r.store.RepairListed(ctx, inst, to, c, reason)
	switch {
	case err == nil:
		return true
	case errors.Is(err, instance.ErrStateConflict):
		r.logger.Debug("instance changed during reconciliation, left alone", "strategy", inst.StrategyID, "symbol", inst.Symbol, "error", err)
	default:
		r.logger.Error("repair instance", "strategy", inst.StrategyID, "symbol", inst.Symbol, "reason", reason, "error", err)
	}
	return false
}

// releaseStale moves an instance with neither a position nor a working order
// back to IDLE and returns its capital. The repair happens once: the next
// pass no longer lists the instance.
func (r *Reconciler) releaseStale(ctx context.Context, inst storage.StrategyInstance, rep *Report) {
	c := inst.Context
	reason := fmt.Sprintf("%s without broker position or working order", inst.State)
	if !r.repair(ctx, inst, model.StateIdle, model.InstanceContext{AssetClass: c.AssetClass}, reason) {
		return
	}
	rep.Repaired++

	if c.AllocationAmount > 0 {
		if err := r.ledger.ReleaseAllocation(ctx, inst.StrategyID, c.AllocationAmount, c.Traded(inst.Symbol)); err != nil {
			r.logger.Error("release stale allocation", "strategy", inst.StrategyID, "symbol", inst.Symbol, "error", err)
		}
	}
	r.record(ctx, rep, storage.DiscrepancyReport{
		Kind:       storage.DiscrepancyStaleInstance,
		Severity:   model.SeverityWarning,
		StrategyID: inst.StrategyID,
		Symbol:     inst.Symbol,
		Recorded:   c.AllocationAmount,
		Difference: c.AllocationAmount,
		Corrected:  true,
		Note:       fmt.Sprintf("strategy %d/%s: %s, released %.2f", inst.StrategyID, inst.Symbol, reason, c.AllocationAmount),
	})
}

func (r *Reconciler) promoteMissedFill(ctx context.Context, inst storage.StrategyInstance, pos broker.Position, rep *Report) {
	c := inst.Context
	if c.Quantity <= 0 {
		c.Quantity = pos.Quantity
	}
	if c.EntryPrice <= 0 {
		c.EntryPrice = pos.AvgCost
	}
	if c.EntryTime == nil {
		now := r.now()
		c.EntryTime = &now
	}
	c.OrderID, c.ClientOrderID = "", ""

	if !r.repair(ctx, inst, model.StateHolding, c, "entry filled without notification") {
		return
	}
	rep.Repaired++
	if c.SignalID != 0 {
		if err := r.repo.UpdateSignalStatus(ctx, c.SignalID, model.SignalExecuted); err != nil {
			r.logger.Error("update signal", "signal", c.SignalID, "error", err)
		}
	}
	r.record(ctx, rep, storage.DiscrepancyReport{
		Kind:       storage.DiscrepancyMissedFill,
		Severity:   model.SeverityWarning,
		StrategyID: inst.StrategyID,
		Symbol:     inst.Symbol,
		Actual:     pos.Quantity,
		Corrected:  true,
		Note:       fmt.Sprintf("strategy %d/%s: OPENING with broker position %g %s, now HOLDING", inst.StrategyID, inst.Symbol, pos.Quantity, pos.Symbol),
	})
}

func (r *Reconciler) revertAbandonedClose(ctx context.Context, inst storage.StrategyInstance, rep *Report) {
	c := inst.Context
	c.OrderID, c.ClientOrderID = "", ""
	if !r.repair(ctx, inst, model.StateHolding, c, "exit order no longer working") {
		return
	}
	rep.Repaired++
	r.record(ctx, rep, storage.DiscrepancyReport{
		Kind:       storage.DiscrepancyAbandonedClose,
		Severity:   model.SeverityWarning,
		StrategyID: inst.StrategyID,
		Symbol:     inst.Symbol,
		Corrected:  true,
		Note:       fmt.Sprintf("strategy %d/%s: CLOSING with position and no working order, back to HOLDING", inst.StrategyID, inst.Symbol),
	})
}
