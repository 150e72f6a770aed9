// Package ledger is the capital manager. Every change to an allocation's
// usage happens inside a transaction holding the allocation row lock, so
// concurrent callers can never commit more than the ceiling.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

var (
	ErrNoAllocation      = errors.New("strategy has no capital allocation")
	ErrSystemAllocation  = errors.New("system allocation cannot be deleted")
	ErrAllocationInUse   = errors.New("allocation is referenced")
	ErrInvalidAllocation = errors.New("invalid allocation")
)

// half a cent of slack for the SQL-level guard
const guardTolerance = 0.005

type Ledger struct {
	db     *gorm.DB
	equity *EquityCache
	logger *logger.Logger
}

func New(db *gorm.DB, equity *EquityCache, log *logger.Logger) *Ledger {
	return &Ledger{db: db, equity: equity, logger: log}
}

// AllocationResult is the answer to a capital request. Reason explains a
// denial in words an operator can act on.
type AllocationResult struct {
	Approved bool    `json:"approved"`
	Amount   float64 `json:"allocated_amount"`
	Reason   string  `json:"reason,omitempty"`
}

// denial aborts the transaction without being an infrastructure failure.
type denial struct{ reason string }

func (d *denial) Error() string { return d.reason }

func deny(format string, args ...any) error {
	return &denial{reason: fmt.Sprintf(format, args...)}
}

func money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// Ceiling is the most an allocation may have committed at the given equity.
// A fixed budget is capped by equity.
func Ceiling(a storage.CapitalAllocation, equity float64) decimal.Decimal {
	eq := money(equity)
	if eq.IsNegative() {
		eq = decimal.Zero
	}
	switch a.AllocationType {
	case model.AllocationPercentage:
		return eq.Mul(decimal.NewFromFloat(a.AllocationValue)).Round(2)
	case model.AllocationFixedAmount:
		return decimal.Min(money(a.AllocationValue), eq)
	}
	return decimal.Zero
}

func lockAllocation(tx *gorm.DB, strategyID uint) (*storage.Strategy, *storage.CapitalAllocation, error) {
	var strat storage.Strategy
	if err := tx.First(&strat, strategyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, deny("strategy %d not found", strategyID)
		}
		return nil, nil, err
	}
	if strat.CapitalAllocationID == nil {
		return nil, nil, deny("%v: strategy %d", ErrNoAllocation, strategyID)
	}

	var alloc storage.CapitalAllocation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&alloc, *strat.CapitalAllocationID).Error
	if err != nil {
		return nil, nil, fmt.Errorf("lock allocation %d: %w", *strat.CapitalAllocationID, err)
	}
	return &strat, &alloc, nil
}

func findLeg(tx *gorm.DB, strategyID uint, key string) (*storage.AllocationLeg, error) {
	var legs []storage.AllocationLeg
	if err := tx.Where("strategy_id = ? AND symbol = ?", strategyID, key).Limit(1).Find(&legs).Error; err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return &storage.AllocationLeg{StrategyID: strategyID, Symbol: key}, nil
	}
	return &legs[0], nil
}

func saveLeg(tx *gorm.DB, leg *storage.AllocationLeg, amount decimal.Decimal) error {
	if leg.ID == 0 {
		leg.Amount = amount.InexactFloat64()
		return tx.Create(leg).Error
	}
	return tx.Model(leg).Update("amount", amount.InexactFloat64()).Error
}

// RequestAllocation reserves amount of the strategy's budget. With a symbol
// it also enforces the per-instrument ceiling (budget / pool size) over all
// legs sharing the symbol's underlying. Equity is fetched before the
// transaction opens. Any failure leaves usage untouched and returns
// Approved=false.
func (l *Ledger) RequestAllocation(ctx context.Context, strategyID uint, amount float64, sym string) (AllocationResult, error) {
	amt := money(amount)
	if !amt.IsPositive() {
		return AllocationResult{Reason: fmt.Sprintf("requested amount %s must be positive", amt)}, nil
	}

	equity, err := l.equity.Get(ctx)
	if err != nil {
		return AllocationResult{Reason: "account equity unavailable"}, err
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		strat, alloc, err := lockAllocation(tx, strategyID)
		if err != nil {
			return err
		}

		ceiling := Ceiling(*alloc, equity)
		usage := money(alloc.CurrentUsage)

		var leg *storage.AllocationLeg
		if sym != "" {
			key := symbol.Underlying(sym)
			perSymbol := ceiling.Div(decimal.NewFromInt(int64(strat.SymbolPool.Size()))).Round(2)
			if leg, err = findLeg(tx, strategyID, key); err != nil {
				return err
			}
			inUse := money(leg.Amount)
			if inUse.Add(amt).GreaterThan(perSymbol) {
				return deny("per-symbol ceiling exceeded for %s: in use %s + requested %s > %s",
					key, inUse.StringFixed(2), amt.StringFixed(2), perSymbol.StringFixed(2))
			}
		}

		if usage.Add(amt).GreaterThan(ceiling) {
			return deny("allocation ceiling exceeded: in use %s + requested %s > %s",
				usage.StringFixed(2), amt.StringFixed(2), ceiling.StringFixed(2))
		}

		res := tx.Model(&storage.CapitalAllocation{}).
			Where("id = ? AND current_usage + ? <= ?", alloc.ID, amt.InexactFloat64(), ceiling.InexactFloat64()+guardTolerance).
			Update("current_usage", gorm.Expr("current_usage + ?", amt.InexactFloat64()))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return deny("allocation ceiling exceeded at commit")
		}

		if leg != nil {
			return saveLeg(tx, leg, money(leg.Amount).Add(amt))
		}
		return nil
	})

	var d *denial
	switch {
	case err == nil:
		l.logger.Info("capital allocated", "strategy", strategyID, "symbol", sym, "amount", amt.StringFixed(2))
		return AllocationResult{Approved: true, Amount: amt.InexactFloat64()}, nil
	case errors.As(err, &d):
		l.logger.Info("capital request denied", "strategy", strategyID, "symbol", sym, "reason", d.reason)
		return AllocationResult{Reason: d.reason}, nil
	default:
		l.logger.Error("capital request failed", "strategy", strategyID, "symbol", sym, "error", err)
		return AllocationResult{Reason: "allocation transaction failed"}, err
	}
}

// ReleaseAllocation returns amount to the strategy's budget. Usage is
// clamped at zero, so a duplicate release cannot drive it negative.
func (l *Ledger) ReleaseAllocation(ctx context.Context, strategyID uint, amount float64, sym string) error {
	amt := money(amount)
	if !amt.IsPositive() {
		return nil
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, alloc, err := lockAllocation(tx, strategyID)
		if err != nil {
			return err
		}

		usage := money(alloc.CurrentUsage)
		next := decimal.Max(usage.Sub(amt), decimal.Zero)
		if usage.LessThan(amt) {
			l.logger.Warn("release exceeds usage, clamping to zero",
				"strategy", strategyID, "usage", usage.StringFixed(2), "release", amt.StringFixed(2))
		}
		if err := tx.Model(alloc).Update("current_usage", next.InexactFloat64()).Error; err != nil {
			return err
		}

		if sym == "" {
			return nil
		}
		leg, err := findLeg(tx, strategyID, symbol.Underlying(sym))
		if err != nil || leg.ID == 0 {
			return err
		}
		return saveLeg(tx, leg, decimal.Max(money(leg.Amount).Sub(amt), decimal.Zero))
	})
	if err != nil {
		var d *denial
		if errors.As(err, &d) {
			return fmt.Errorf("release allocation: %s", d.reason)
		}
		return fmt.Errorf("release allocation: %w", err)
	}
	l.logger.Info("capital released", "strategy", strategyID, "symbol", sym, "amount", amt.StringFixed(2))
	return nil
}

// ResetUsedAmount zeroes what the strategy holds once all of its positions
// are confirmed closed. Usage of other strategies sharing the allocation is
// kept.
func (l *Ledger) ResetUsedAmount(ctx context.Context, strategyID uint) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		strat, alloc, err := lockAllocation(tx, strategyID)
		if err != nil {
			return err
		}

		var others float64
		err = tx.Model(&storage.AllocationLeg{}).
			Where("strategy_id IN (?)", tx.Model(&storage.Strategy{}).Select("id").
				Where("capital_allocation_id = ? AND id <> ?", alloc.ID, strat.ID)).
			Select("COALESCE(SUM(amount), 0)").Scan(&others).Error
		if err != nil {
			return err
		}

		if err := tx.Model(alloc).Update("current_usage", money(others).InexactFloat64()).Error; err != nil {
			return err
		}
		return tx.Model(&storage.AllocationLeg{}).Where("strategy_id = ?", strategyID).Update("amount", 0).Error
	})
	if err != nil {
		return fmt.Errorf("reset used amount: %w", err)
	}
	l.logger.Info("capital usage reset", "strategy", strategyID)
	return nil
}

// LegUsage is the committed capital of one strategy on one underlying.
type LegUsage struct {
	StrategyID uint
	Symbol     string
	Amount     float64
}

// Correct replaces an allocation's usage and its strategies' legs with
// observed values. It returns the usage recorded before the correction.
func (l *Ledger) Correct(ctx context.Context, allocationID uint, legs []LegUsage, reason string) (float64, error) {
	var previous float64
	total := decimal.Zero
	for _, leg := range legs {
		total = total.Add(money(leg.Amount))
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var alloc storage.CapitalAllocation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&alloc, allocationID).Error; err != nil {
			return err
		}
		previous = alloc.CurrentUsage

		if err := tx.Model(&alloc).Update("current_usage", total.InexactFloat64()).Error; err != nil {
			return err
		}

		err := tx.Model(&storage.AllocationLeg{}).
			Where("strategy_id IN (?)", tx.Model(&storage.Strategy{}).Select("id").Where("capital_allocation_id = ?", allocationID)).
			Update("amount", 0).Error
		if err != nil {
			return err
		}
		for _, lu := range legs {
			leg, err := findLeg(tx, lu.StrategyID, symbol.Underlying(lu.Symbol))
			if err != nil {
				return err
			}
			if err := saveLeg(tx, leg, money(leg.Amount).Add(money(lu.Amount))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("correct allocation %d: %w", allocationID, err)
	}
	l.logger.Audit(false, "allocation usage corrected",
		"allocation", allocationID, "from", previous, "to", total.StringFixed(2), "reason", reason)
	return previous, nil
}
