package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

// Classify grades a usage difference against a ceiling.
func (t Thresholds) Classify(diff, ceiling float64) model.Severity {
	d := decimal.NewFromFloat(diff).Abs()
	c := decimal.NewFromFloat(ceiling)
	base := decimal.Max(c.Mul(decimal.NewFromFloat(t.BasePct)), decimal.NewFromFloat(t.BaseAbs))
	errLevel := decimal.Max(c.Mul(decimal.NewFromFloat(t.ErrorPct)), decimal.NewFromFloat(t.ErrorAbs))
	switch {
	case d.GreaterThan(errLevel):
		return model.SeverityError
	case d.GreaterThan(base):
		return model.SeverityWarning
	}
	return model.SeverityInfo
}

// instanceValue is the capital an instance really has committed: its share
// of the matching broker position, or the reserved amount while its order is
// still on the way.
func instanceValue(inst storage.StrategyInstance, positions []broker.Position) float64 {
	pos, ok := matchPosition(inst, positions)
	if !ok {
		return inst.Context.AllocationAmount
	}
	qty := inst.Context.Quantity
	if qty <= 0 || qty > pos.Quantity {
		qty = pos.Quantity
	}
	share := broker.Position{Quantity: qty, AvgCost: pos.AvgCost, LastPrice: pos.LastPrice, Multiplier: pos.Multiplier}
	return share.MarketValue()
}

func (r *Reconciler) checkUsage(ctx context.Context, positions []broker.Position, rep *Report) error {
	strategies, err := r.repo.ListStrategies(ctx)
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}
	allocations, err := r.ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("allocation snapshot: %w", err)
	}

	byStrategy := make(map[uint]uint, len(strategies))
	for _, s := range strategies {
		if s.CapitalAllocationID != nil {
			byStrategy[s.ID] = *s.CapitalAllocationID
		}
	}
	legs := make(map[uint][]ledger.LegUsage)
	for _, inst := range active {
		allocID, ok := byStrategy[inst.StrategyID]
		if !ok {
			continue
		}
		legs[allocID] = append(legs[allocID], ledger.LegUsage{
			StrategyID: inst.StrategyID,
			Symbol:     inst.Context.Traded(inst.Symbol),
			Amount:     instanceValue(inst, positions),
		})
	}
	funded := make(map[uint]bool, len(byStrategy))
	for _, id := range byStrategy {
		funded[id] = true
	}

	for _, a := range allocations {
		if !funded[a.ID] {
			continue
		}
		actual := decimal.Zero
		for _, l := range legs[a.ID] {
			actual = actual.Add(decimal.NewFromFloat(l.Amount))
		}
		recorded := decimal.NewFromFloat(a.CurrentUsage)
		diff := recorded.Sub(actual).Round(2)

		severity := r.opts.Classify(diff.InexactFloat64(), a.Ceiling)
		if severity == model.SeverityInfo {
			if !diff.IsZero() {
				r.logger.Debug("usage drift within tolerance", "allocation", a.Name, "difference", diff.StringFixed(2))
			}
			continue
		}

		id := a.ID
		d := storage.DiscrepancyReport{
			Kind:         storage.DiscrepancyUsageDrift,
			Severity:     severity,
			AllocationID: &id,
			Recorded:     recorded.InexactFloat64(),
			Actual:       actual.Round(2).InexactFloat64(),
			Difference:   diff.InexactFloat64(),
			Note: fmt.Sprintf("allocation %s: recorded %s, positions worth %s, ceiling %.2f",
				a.Name, recorded.StringFixed(2), actual.StringFixed(2), a.Ceiling),
		}
		if severity == model.SeverityError {
			if _, err := r.ledger.Correct(ctx, a.ID, legs[a.ID], "reconciliation drift"); err != nil {
				r.logger.Error("correct usage", "allocation", a.Name, "error", err)
			} else {
				d.Corrected = true
				rep.Corrected++
			}
		}
		r.record(ctx, rep, d)
	}
	return nil
}

// coverWorking reports a buy-to-cover order still working for sym.
func coverWorking(sym string, pending []storage.ExecutionOrder) (string, bool) {
	for _, o := range pending {
		if o.StrategyID == 0 && o.Side == model.SideBuy && symbol.Normalize(o.Symbol) == sym {
			return o.OrderID, true
		}
	}
	return "", false
}

func (r *Reconciler) flattenShorts(ctx context.Context, positions []broker.Position, pending []storage.ExecutionOrder, rep *Report) {
	for _, p := range positions {
		if p.Quantity >= 0 {
			continue
		}
		if id, ok := coverWorking(symbol.Normalize(p.Symbol), pending); ok {
			r.logger.Info("buy-to-cover still working", "symbol", p.Symbol, "qty", p.Quantity, "order_id", id)
			continue
		}
		d := storage.DiscrepancyReport{
			Kind:     storage.DiscrepancyShortPosition,
			Severity: model.SeverityError,
			Symbol:   p.Symbol,
			Actual:   p.Quantity,
			Note:     fmt.Sprintf("unexpected short %g %s", p.Quantity, p.Symbol),
		}
		if r.opts.AutoFlattenShorts {
			order, err := r.executor.Flatten(ctx, p)
			if err != nil {
				d.Note += fmt.Sprintf(", flatten failed: %v", err)
			} else {
				d.Corrected = true
				d.Note += fmt.Sprintf(", buy-to-cover order %s", order.OrderID)
				rep.Flattened++
			}
		}
		r.record(ctx, rep, d)
	}
}
