// Package instance persists the per-(strategy, symbol) trade state machine.
package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

// ErrStateConflict means the persisted state was not the one the caller
// expected; another actor moved the instance first.
var ErrStateConflict = errors.New("instance state changed concurrently")

type Store struct {
	db     *gorm.DB
	logger *logger.Logger
	now    func() time.Time
}

func NewStore(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log, now: time.Now}
}

// WithClock replaces the clock used for LastUpdated.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func idle(strategyID uint, sym string) *storage.StrategyInstance {
	return &storage.StrategyInstance{
		StrategyID: strategyID,
		Symbol:     sym,
		State:      model.StateIdle,
		Context:    model.InstanceContext{AssetClass: model.AssetStock},
	}
}

func load(tx *gorm.DB, strategyID uint, sym string, lock bool) (*storage.StrategyInstance, bool, error) {
	var rows []storage.StrategyInstance
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("strategy_id = ? AND symbol = ?", strategyID, sym).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return idle(strategyID, sym), false, nil
	}
	rows[0].Context.Normalize()
	return &rows[0], true, nil
}

// Get returns the instance, or a fresh IDLE one when none is stored.
func (s *Store) Get(ctx context.Context, strategyID uint, sym string) (*storage.StrategyInstance, error) {
	inst, _, err := load(s.db.WithContext(ctx), strategyID, symbol.Normalize(sym), false)
	return inst, err
}

func (s *Store) write(tx *gorm.DB, inst *storage.StrategyInstance, to model.InstanceState, c model.InstanceContext) error {
	inst.State = to
	inst.Context = c
	inst.LastUpdated = s.now()
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "strategy_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "context", "last_updated"}),
	}).Create(inst).Error
}

func prepare(to model.InstanceState, c model.InstanceContext) (model.InstanceContext, error) {
	c.Normalize()
	if c.TradedSymbol != "" {
		c.TradedSymbol = symbol.Normalize(c.TradedSymbol)
	}
	if err := c.Validate(to); err != nil {
		return c, err
	}
	return c, nil
}

// SetState moves the instance to `to` after checking the transition against
// the persisted state, atomically with the write.
func (s *Store) SetState(ctx context.Context, strategyID uint, sym string, to model.InstanceState, c model.InstanceContext) error {
	sym = symbol.Normalize(sym)
	c, err := prepare(to, c)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inst, _, err := load(tx, strategyID, sym, true)
		if err != nil {
			return err
		}
		if err := model.ValidateTransition(inst.State, to); err != nil {
			return fmt.Errorf("%d/%s: %w", strategyID, sym, err)
		}
		from := inst.State
		if err := s.write(tx, inst, to, c); err != nil {
			return err
		}
		if from != to {
			s.logger.Debug("instance state", "strategy", strategyID, "symbol", sym, "from", from, "to", to)
		}
		return nil
	})
}

// Transition is a compare-and-set: it fails with ErrStateConflict unless the
// persisted state equals from.
func (s *Store) Transition(ctx context.Context, strategyID uint, sym string, from, to model.InstanceState, c model.InstanceContext) error {
	sym = symbol.Normalize(sym)
	c, err := prepare(to, c)
	if err != nil {
		return err
	}
	if err := model.ValidateTransition(from, to); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inst, _, err := load(tx, strategyID, sym, true)
		if err != nil {
			return err
		}
		if inst.State != from {
			return fmt.Errorf("%w: %d/%s is %s, expected %s", ErrStateConflict, strategyID, sym, inst.State, from)
		}
		if err := s.write(tx, inst, to, c); err != nil {
			return err
		}
		s.logger.Debug("instance state", "strategy", strategyID, "symbol", sym, "from", from, "to", to)
		return nil
	})
}

// Repair forces the instance into `to` regardless of the transition table.
// Only reconciliation uses it; every call is audited.
func (s *Store) Repair(ctx context.Context, strategyID uint, sym string, to model.InstanceState, c model.InstanceContext, reason string) (model.InstanceState, error) {
	return s.repair(ctx, strategyID, sym, to, c, reason, nil)
}

// RepairListed is Repair for a row read earlier: it fails with
// ErrStateConflict when the state or LastUpdated changed since listed was
// loaded.
func (s *Store) RepairListed(ctx context.Context, listed storage.StrategyInstance, to model.InstanceState, c model.InstanceContext, reason string) error {
	_, err := s.repair(ctx, listed.StrategyID, listed.Symbol, to, c, reason, func(inst *storage.StrategyInstance) error {
		if inst.State != listed.State || !inst.LastUpdated.Equal(listed.LastUpdated) {
			return fmt.Errorf("%w: %d/%s is %s since %s, listed %s",
				ErrStateConflict, listed.StrategyID, listed.Symbol, inst.State, inst.LastUpdated.Format(time.RFC3339Nano), listed.State)
		}
		return nil
	})
	return err
}

func (s *Store) repair(ctx context.Context, strategyID uint, sym string, to model.InstanceState, c model.InstanceContext, reason string, check func(*storage.StrategyInstance) error) (model.InstanceState, error) {
	sym = symbol.Normalize(sym)
	c, err := prepare(to, c)
	if err != nil {
		return "", err
	}
	var from model.InstanceState
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inst, _, err := load(tx, strategyID, sym, true)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(inst); err != nil {
				return err
			}
		}
		from = inst.State
		return s.write(tx, inst, to, c)
	})
	if err != nil {
		return "", err
	}
	s.logger.Audit(false, "instance repaired",
		"strategy", strategyID, "symbol", sym, "from", from, "to", to, "reason", reason)
	return from, nil
}

func (s *Store) list(ctx context.Context, q func(*gorm.DB) *gorm.DB) ([]storage.StrategyInstance, error) {
	var rows []storage.StrategyInstance
	if err := q(s.db.WithContext(ctx)).Order("strategy_id, symbol").Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Context.Normalize()
	}
	return rows, nil
}

func (s *Store) ListAll(ctx context.Context) ([]storage.StrategyInstance, error) {
	return s.list(ctx, func(db *gorm.DB) *gorm.DB { return db })
}

// ListActive returns every instance that is not IDLE.
func (s *Store) ListActive(ctx context.Context) ([]storage.StrategyInstance, error) {
	return s.list(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("state <> ?", model.StateIdle)
	})
}

func (s *Store) ListByState(ctx context.Context, states ...model.InstanceState) ([]storage.StrategyInstance, error) {
	return s.list(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("state IN ?", states)
	})
}

func (s *Store) ListByStrategy(ctx context.Context, strategyID uint) ([]storage.StrategyInstance, error) {
	return s.list(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("strategy_id = ?", strategyID)
	})
}

// CountActive counts a strategy's non-IDLE instances.
func (s *Store) CountActive(ctx context.Context, strategyID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&storage.StrategyInstance{}).
		Where("strategy_id = ? AND state <> ?", strategyID, model.StateIdle).Count(&n).Error
	return n, err
}

func (s *Store) Delete(ctx context.Context, strategyID uint, sym string) error {
	return s.db.WithContext(ctx).
		Where("strategy_id = ? AND symbol = ?", strategyID, symbol.Normalize(sym)).
		Delete(&storage.StrategyInstance{}).Error
}

// CleanupStopped removes IDLE instances of stopped strategies.
func (s *Store) CleanupStopped(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("state = ? AND strategy_id IN (?)", model.StateIdle,
			s.db.Model(&storage.Strategy{}).Select("id").Where("status = ?", model.StrategyStopped)).
		Delete(&storage.StrategyInstance{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("removed idle instances of stopped strategies", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// RestoreRunning loads the non-IDLE instances of RUNNING strategies at
// startup so the first cycle resumes them.
func (s *Store) RestoreRunning(ctx context.Context) ([]storage.StrategyInstance, error) {
	rows, err := s.list(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("state <> ? AND strategy_id IN (?)", model.StateIdle,
			s.db.Model(&storage.Strategy{}).Select("id").Where("status = ?", model.StrategyRunning))
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		s.logger.Info("restored instance", "strategy", r.StrategyID, "symbol", r.Symbol, "state", r.State)
	}
	return rows, nil
}
