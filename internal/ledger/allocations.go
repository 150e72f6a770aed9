package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

func (l *Ledger) strategyAllocation(ctx context.Context, strategyID uint) (*storage.Strategy, *storage.CapitalAllocation, error) {
	var strat storage.Strategy
	if err := l.db.WithContext(ctx).First(&strat, strategyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("strategy %d: %w", strategyID, storage.ErrNotFound)
		}
		return nil, nil, err
	}
	if strat.CapitalAllocationID == nil {
		return nil, nil, fmt.Errorf("strategy %d: %w", strategyID, ErrNoAllocation)
	}
	var alloc storage.CapitalAllocation
	if err := l.db.WithContext(ctx).First(&alloc, *strat.CapitalAllocationID).Error; err != nil {
		return nil, nil, err
	}
	return &strat, &alloc, nil
}

// GetAvailableCapital is ceiling minus usage, never negative.
func (l *Ledger) GetAvailableCapital(ctx context.Context, strategyID uint) (float64, error) {
	_, alloc, err := l.strategyAllocation(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	equity, err := l.equity.Get(ctx)
	if err != nil {
		return 0, err
	}
	avail := Ceiling(*alloc, equity).Sub(money(alloc.CurrentUsage))
	return decimal.Max(avail, decimal.Zero).InexactFloat64(), nil
}

// MaxPerSymbol is the per-instrument ceiling: the budget split evenly over
// the strategy's symbol pool.
func (l *Ledger) MaxPerSymbol(ctx context.Context, strategyID uint) (float64, error) {
	strat, alloc, err := l.strategyAllocation(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	equity, err := l.equity.Get(ctx)
	if err != nil {
		return 0, err
	}
	per := Ceiling(*alloc, equity).Div(decimal.NewFromInt(int64(strat.SymbolPool.Size()))).Round(2)
	return per.InexactFloat64(), nil
}

// Headroom is the largest request for sym that would currently be approved.
func (l *Ledger) Headroom(ctx context.Context, strategyID uint, sym string) (float64, error) {
	strat, alloc, err := l.strategyAllocation(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	equity, err := l.equity.Get(ctx)
	if err != nil {
		return 0, err
	}

	ceiling := Ceiling(*alloc, equity)
	room := ceiling.Sub(money(alloc.CurrentUsage))

	var legs []storage.AllocationLeg
	err = l.db.WithContext(ctx).
		Where("strategy_id = ? AND symbol = ?", strategyID, symbol.Underlying(sym)).
		Limit(1).Find(&legs).Error
	if err != nil {
		return 0, err
	}
	perSymbol := ceiling.Div(decimal.NewFromInt(int64(strat.SymbolPool.Size()))).Round(2)
	if len(legs) > 0 {
		perSymbol = perSymbol.Sub(money(legs[0].Amount))
	}

	return decimal.Max(decimal.Min(room, perSymbol), decimal.Zero).InexactFloat64(), nil
}

// AllocationStatus is an allocation with its ceiling at current equity.
type AllocationStatus struct {
	storage.CapitalAllocation
	Ceiling   float64 `json:"ceiling"`
	Available float64 `json:"available"`
	OverLimit bool    `json:"over_limit"`
}

// Snapshot lists every allocation with its current ceiling. Without equity
// the ceilings are reported as zero.
func (l *Ledger) Snapshot(ctx context.Context) ([]AllocationStatus, error) {
	var allocs []storage.CapitalAllocation
	if err := l.db.WithContext(ctx).Order("id").Find(&allocs).Error; err != nil {
		return nil, err
	}

	equity, err := l.equity.Get(ctx)
	if err != nil {
		l.logger.Warn("snapshot without equity", "error", err)
		equity = 0
	}

	out := make([]AllocationStatus, 0, len(allocs))
	for _, a := range allocs {
		ceiling := Ceiling(a, equity)
		usage := money(a.CurrentUsage)
		out = append(out, AllocationStatus{
			CapitalAllocation: a,
			Ceiling:           ceiling.InexactFloat64(),
			Available:         decimal.Max(ceiling.Sub(usage), decimal.Zero).InexactFloat64(),
			OverLimit:         usage.GreaterThan(ceiling),
		})
	}
	return out, nil
}

// ValidateUsage reports whether an allocation's usage is within its ceiling.
func (l *Ledger) ValidateUsage(ctx context.Context, allocationID uint) (bool, float64, error) {
	var alloc storage.CapitalAllocation
	if err := l.db.WithContext(ctx).First(&alloc, allocationID).Error; err != nil {
		return false, 0, err
	}
	equity, err := l.equity.Get(ctx)
	if err != nil {
		return false, 0, err
	}
	ceiling := Ceiling(alloc, equity)
	return !money(alloc.CurrentUsage).GreaterThan(ceiling), ceiling.InexactFloat64(), nil
}

// CreateAllocation adds a budget. Percentages must lie in (0, 1] and the
// percentage siblings under one parent may not sum above 1.
func (l *Ledger) CreateAllocation(ctx context.Context, a *storage.CapitalAllocation) error {
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAllocation)
	}
	if a.AllocationValue <= 0 {
		return fmt.Errorf("%w: value must be positive", ErrInvalidAllocation)
	}
	switch a.AllocationType {
	case model.AllocationPercentage:
		if a.AllocationValue > 1 {
			return fmt.Errorf("%w: percentage %.4f above 1", ErrInvalidAllocation, a.AllocationValue)
		}
	case model.AllocationFixedAmount:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAllocation, a.AllocationType)
	}
	a.CurrentUsage = 0

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if a.AllocationType != model.AllocationPercentage {
			return tx.Create(a).Error
		}

		var sum float64
		q := tx.Model(&storage.CapitalAllocation{}).Where("allocation_type = ?", model.AllocationPercentage)
		if a.ParentID == nil {
			q = q.Where("parent_id IS NULL")
		} else {
			q = q.Where("parent_id = ?", *a.ParentID)
		}
		if err := q.Select("COALESCE(SUM(allocation_value), 0)").Scan(&sum).Error; err != nil {
			return err
		}
		total := decimal.NewFromFloat(sum).Add(decimal.NewFromFloat(a.AllocationValue))
		if total.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: percentages would sum to %s", ErrInvalidAllocation, total.StringFixed(4))
		}
		return tx.Create(a).Error
	})
}

// DeleteAllocation removes a budget nobody draws from. System allocations
// are never removed.
func (l *Ledger) DeleteAllocation(ctx context.Context, id uint) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var alloc storage.CapitalAllocation
		if err := tx.First(&alloc, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("allocation %d: %w", id, storage.ErrNotFound)
			}
			return err
		}
		if alloc.IsSystem {
			return fmt.Errorf("allocation %q: %w", alloc.Name, ErrSystemAllocation)
		}

		var refs int64
		if err := tx.Model(&storage.Strategy{}).Where("capital_allocation_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		var children int64
		if err := tx.Model(&storage.CapitalAllocation{}).Where("parent_id = ?", id).Count(&children).Error; err != nil {
			return err
		}
		if refs+children > 0 {
			return fmt.Errorf("allocation %q: %w by %d strategies and %d children", alloc.Name, ErrAllocationInUse, refs, children)
		}
		return tx.Delete(&alloc).Error
	})
}
