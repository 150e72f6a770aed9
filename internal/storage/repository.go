package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/camuig/quant-trader/internal/model"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyLinked = errors.New("order already linked to a signal")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Strategies

func (r *Repository) CreateStrategy(ctx context.Context, s *Strategy) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repository) GetStrategy(ctx context.Context, id uint) (*Strategy, error) {
	var s Strategy
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repository) RunningStrategies(ctx context.Context) ([]Strategy, error) {
	var out []Strategy
	err := r.db.WithContext(ctx).Where("status = ?", model.StrategyRunning).Order("id").Find(&out).Error
	return out, err
}

func (r *Repository) ListStrategies(ctx context.Context) ([]Strategy, error) {
	var out []Strategy
	err := r.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (r *Repository) StrategyStatus(ctx context.Context, id uint) (model.StrategyStatus, error) {
	var s Strategy
	if err := r.db.WithContext(ctx).Select("id", "status").First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("strategy %d: %w", id, ErrNotFound)
		}
		return "", err
	}
	return s.Status, nil
}

func (r *Repository) SetStrategyStatus(ctx context.Context, id uint, status model.StrategyStatus) error {
	return r.db.WithContext(ctx).Model(&Strategy{}).Where("id = ?", id).Update("status", status).Error
}

// Signals

func (r *Repository) CreateSignal(ctx context.Context, s *StrategySignal) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repository) GetSignal(ctx context.Context, id uint) (*StrategySignal, error) {
	var s StrategySignal
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("signal %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repository) UpdateSignalStatus(ctx context.Context, id uint, status model.SignalStatus) error {
	if id == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&StrategySignal{}).Where("id = ?", id).Update("status", status).Error
}

// LastExecutedSell returns the most recent executed SELL signal for the
// pair created at or after since, or nil when there is none.
func (r *Repository) LastExecutedSell(ctx context.Context, strategyID uint, symbol string, since time.Time) (*StrategySignal, error) {
	var out []StrategySignal
	err := r.db.WithContext(ctx).
		Where("strategy_id = ? AND symbol = ? AND signal_type = ? AND status = ? AND created_at >= ?",
			strategyID, symbol, model.SideSell, model.SignalExecuted, since).
		Order("created_at DESC").Limit(1).Find(&out).Error
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (r *Repository) RecentSignals(ctx context.Context, limit int) ([]StrategySignal, error) {
	var out []StrategySignal
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Orders

func (r *Repository) CreateOrder(ctx context.Context, o *ExecutionOrder) error {
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *Repository) GetOrder(ctx context.Context, orderID string) (*ExecutionOrder, error) {
	var o ExecutionOrder
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return nil, err
	}
	return &o, nil
}

func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	return r.db.WithContext(ctx).Model(&ExecutionOrder{}).Where("order_id = ?", orderID).
		Update("status", status).Error
}

// UpdateOrderFill records the executed quantity and average price.
func (r *Repository) UpdateOrderFill(ctx context.Context, orderID string, qty, avgPrice float64) error {
	return r.db.WithContext(ctx).Model(&ExecutionOrder{}).Where("order_id = ?", orderID).
		Updates(map[string]any{"filled_quantity": qty, "avg_fill_price": avgPrice}).Error
}

func (r *Repository) PendingOrders(ctx context.Context) ([]ExecutionOrder, error) {
	var out []ExecutionOrder
	err := r.db.WithContext(ctx).Where("status IN ?", model.PendingOrderStatuses()).
		Order("created_at").Find(&out).Error
	return out, err
}

// HasRecentOrder reports whether an order for the same strategy, symbol and
// side is still working at the broker or was submitted at or after since.
func (r *Repository) HasRecentOrder(ctx context.Context, strategyID uint, symbol string, side model.Side, since time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&ExecutionOrder{}).
		Where("strategy_id = ? AND symbol = ? AND side = ?", strategyID, symbol, side).
		Where(r.db.Where("status IN ?", model.PendingOrderStatuses()).Or("created_at >= ?", since)).
		Count(&n).Error
	return n > 0, err
}

func (r *Repository) RecentOrders(ctx context.Context, limit int) ([]ExecutionOrder, error) {
	var out []ExecutionOrder
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Discrepancy reports

func (r *Repository) SaveDiscrepancy(ctx context.Context, d *DiscrepancyReport) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repository) RecentDiscrepancies(ctx context.Context, limit int) ([]DiscrepancyReport, error) {
	var out []DiscrepancyReport
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Backfill

func (r *Repository) RecentBackfillRuns(ctx context.Context, limit int) ([]BackfillRun, error) {
	var out []BackfillRun
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *Repository) OpenBackfillFlags(ctx context.Context, limit int) ([]BackfillFlag, error) {
	var out []BackfillFlag
	err := r.db.WithContext(ctx).Where("resolved = ?", false).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// UnresolvedBackfillFlags returns every flag still awaiting review.
func (r *Repository) UnresolvedBackfillFlags(ctx context.Context) ([]BackfillFlag, error) {
	var out []BackfillFlag
	err := r.db.WithContext(ctx).Where("resolved = ?", false).Order("id").Find(&out).Error
	return out, err
}

// UnlinkedOrders returns strategy orders that carry no signal id, oldest
// first. Orders placed outside any strategy are skipped.
func (r *Repository) UnlinkedOrders(ctx context.Context) ([]ExecutionOrder, error) {
	var out []ExecutionOrder
	err := r.db.WithContext(ctx).Where("signal_id IS NULL AND strategy_id <> 0").
		Order("created_at, id").Find(&out).Error
	return out, err
}

// UnlinkedSignals returns signals in one of statuses that no order points
// back to, oldest first.
func (r *Repository) UnlinkedSignals(ctx context.Context, statuses ...model.SignalStatus) ([]StrategySignal, error) {
	linked := r.db.Model(&ExecutionOrder{}).Select("signal_id").Where("signal_id IS NOT NULL")
	var out []StrategySignal
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Where("id NOT IN (?)", linked).
		Order("created_at, id").Find(&out).Error
	return out, err
}

// LinkOrderSignal points an unlinked order at a signal and, when status is
// set, moves the signal to it. Both writes share one transaction.
func (r *Repository) LinkOrderSignal(ctx context.Context, orderRowID, signalID uint, status model.SignalStatus) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ExecutionOrder{}).Where("id = ? AND signal_id IS NULL", orderRowID).
			Update("signal_id", signalID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("order row %d: %w", orderRowID, ErrAlreadyLinked)
		}
		if status == "" {
			return nil
		}
		return tx.Model(&StrategySignal{}).Where("id = ?", signalID).Update("status", status).Error
	})
}

// SaveBackfillRun stores a run summary together with its review flags.
func (r *Repository) SaveBackfillRun(ctx context.Context, run *BackfillRun, flags []BackfillFlag) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(flags) == 0 {
			return nil
		}
		for i := range flags {
			flags[i].RunID = run.ID
		}
		return tx.Create(&flags).Error
	})
}
