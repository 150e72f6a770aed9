// Package watchdog closes positions in instruments that expire today before
// the session ends.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/executor"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/market"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

// Escalator receives failures that need a human.
type Escalator interface {
	NotifyCritical(subject string, err error)
}

type Options struct {
	Interval   time.Duration
	Attempts   int
	RetryDelay time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:   config.Duration(cfg.Watchdog.Interval),
		Attempts:   cfg.Watchdog.Attempts,
		RetryDelay: config.Duration(cfg.Watchdog.RetryDelay),
	}
}

type Watchdog struct {
	store     *instance.Store
	executor  *executor.Executor
	quoter    broker.Quoter
	calendar  *market.Calendar
	escalator Escalator
	opts      Options
	logger    *logger.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewWatchdog builds a watchdog. quoter may be nil, in which case expiring
// positions are closed at market.
func NewWatchdog(
	store *instance.Store,
	exec *executor.Executor,
	quoter broker.Quoter,
	cal *market.Calendar,
	escalator Escalator,
	opts Options,
	log *logger.Logger,
) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Watchdog{
		store:     store,
		executor:  exec,
		quoter:    quoter,
		calendar:  cal,
		escalator: escalator,
		opts:      opts,
		logger:    log,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.logger.Info("expiry watchdog started", "interval", w.opts.Interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry watchdog stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs a scan when inside the pre-close expiry window. It reports
// whether a scan ran.
func (w *Watchdog) Tick(ctx context.Context) bool {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in expiry watchdog", "panic", fmt.Sprint(r))
		}
	}()
	if !w.calendar.InExpiryWindow(w.now()) {
		return false
	}
	w.Check(ctx)
	return true
}

// Check closes every HOLDING instance expiring today. It returns how many
// were closed and how many could not be.
func (w *Watchdog) Check(ctx context.Context) (closed, failed int) {
	day := w.calendar.SessionDate(w.now())
	holding, err := w.store.ListByState(ctx, model.StateHolding)
	if err != nil {
		w.logger.Error("list holding instances", "error", err)
		return 0, 0
	}

	for _, inst := range holding {
		if !ExpiresOn(inst, day) {
			continue
		}
		if err := w.closeExpiring(ctx, inst); err != nil {
			failed++
			continue
		}
		closed++
	}
	if closed+failed > 0 {
		w.logger.Info("expiry scan finished", "date", day.Format(time.DateOnly), "closed", closed, "failed", failed)
	}
	return closed, failed
}

// ExpiresOn reports whether the instance's contract expires on day's
// calendar date, from its option leg or its traded symbol.
func ExpiresOn(inst storage.StrategyInstance, day time.Time) bool {
	c := inst.Context
	if c.Option != nil && c.Option.Expiry == day.Format(time.DateOnly) {
		return true
	}
	return symbol.ExpiresOn(c.Traded(inst.Symbol), day)
}

func (w *Watchdog) closeExpiring(ctx context.Context, inst storage.StrategyInstance) error {
	traded := inst.Context.Traded(inst.Symbol)
	log := w.logger.With("strategy", inst.StrategyID, "symbol", inst.Symbol, "traded", traded)

	var lastErr error
	for attempt := 1; attempt <= w.opts.Attempts; attempt++ {
		price := w.quote(ctx, traded)
		_, err := w.executor.Close(ctx, executor.CloseRequest{
			StrategyID: inst.StrategyID,
			Symbol:     inst.Symbol,
			Price:      price,
			Reason:     "expires today",
		})
		if err == nil {
			log.Warn("expiring position closed", "attempt", attempt, "price", price)
			return nil
		}
		if errors.Is(err, executor.ErrNotHolding) && w.settledElsewhere(ctx, inst) {
			return nil
		}

		lastErr = err
		log.Warn("close expiring position failed", "attempt", attempt, "of", w.opts.Attempts, "error", err)
		if attempt < w.opts.Attempts {
			if err := w.sleep(ctx, w.opts.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	log.Audit(true, "expiring position could not be closed, manual intervention required",
		"attempts", w.opts.Attempts, "error", lastErr)
	w.escalator.NotifyCritical(fmt.Sprintf("expiry close %s (%s)", traded, inst.Symbol), lastErr)
	return lastErr
}

// settledElsewhere reports whether another path already took the position
// out of HOLDING.
func (w *Watchdog) settledElsewhere(ctx context.Context, inst storage.StrategyInstance) bool {
	cur, err := w.store.Get(ctx, inst.StrategyID, inst.Symbol)
	if err != nil {
		return false
	}
	return cur.State == model.StateIdle || (cur.State == model.StateClosing && cur.Context.OrderID != "")
}

// quote returns a limit price, or zero for a market order.
func (w *Watchdog) quote(ctx context.Context, traded string) float64 {
	if w.quoter == nil {
		return 0
	}
	price, err := w.quoter.LastPrice(ctx, traded)
	if err != nil || price <= 0 {
		w.logger.Debug("no quote for expiring contract, closing at market", "traded", traded, "error", err)
		return 0
	}
	return price
}
