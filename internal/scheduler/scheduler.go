// Package scheduler runs the strategy evaluation loop: for every RUNNING
// strategy and every symbol of its pool it reads the instance state, asks
// the strategy's evaluator for an intent, validates it and hands it to the
// executor.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/executor"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/market"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/strategy"
	"github.com/camuig/quant-trader/internal/symbol"
)

// PoolSource resolves top_volume symbol pools.
type PoolSource interface {
	TopSymbols(ctx context.Context, limit int) ([]string, error)
}

// TradableFilter drops symbols the broker will not trade right now.
type TradableFilter interface {
	FilterTradable(ctx context.Context, tickers []string) ([]string, error)
}

type Options struct {
	Interval          time.Duration
	SymbolConcurrency int
	DuplicateWindow   time.Duration
	RebuyGuardWindow  time.Duration
	PendingTimeout    time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:          cfg.SchedulerInterval(),
		SymbolConcurrency: cfg.Scheduler.SymbolConcurrency,
		DuplicateWindow:   config.Duration(cfg.Scheduler.DuplicateWindow),
		RebuyGuardWindow:  config.Duration(cfg.Scheduler.RebuyGuardWindow),
		PendingTimeout:    config.Duration(cfg.Scheduler.PendingOrderTimeout),
	}
}

type Scheduler struct {
	repo     *storage.Repository
	store    *instance.Store
	ledger   *ledger.Ledger
	executor *executor.Executor
	registry *strategy.Registry
	market   strategy.MarketData
	calendar *market.Calendar
	notifier executor.Notifier
	opts     Options
	logger   *logger.Logger
	now      func() time.Time

	pools    PoolSource
	tradable TradableFilter
	recent   *recentOrders
}

func NewScheduler(
	repo *storage.Repository,
	store *instance.Store,
	l *ledger.Ledger,
	exec *executor.Executor,
	registry *strategy.Registry,
	md strategy.MarketData,
	cal *market.Calendar,
	notifier executor.Notifier,
	opts Options,
	log *logger.Logger,
) *Scheduler {
	if opts.SymbolConcurrency < 1 {
		opts.SymbolConcurrency = 1
	}
	return &Scheduler{
		repo:     repo,
		store:    store,
		ledger:   l,
		executor: exec,
		registry: registry,
		market:   md,
		calendar: cal,
		notifier: notifier,
		opts:     opts,
		logger:   log,
		now:      time.Now,
		recent:   newRecentOrders(),
	}
}

// WithPools enables top_volume pools. tradable may be nil.
func (s *Scheduler) WithPools(pools PoolSource, tradable TradableFilter) *Scheduler {
	s.pools = pools
	s.tradable = tradable
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.opts.Interval.String(), "symbol_concurrency", s.opts.SymbolConcurrency)

	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle evaluates every RUNNING strategy once.
func (s *Scheduler) RunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler cycle", "panic", fmt.Sprint(r))
			s.notifier.NotifyError("scheduler panic", fmt.Errorf("%v", r))
		}
	}()

	now := s.now()
	if !s.calendar.InSession(now) {
		s.logger.Debug("outside trading hours, skipping cycle")
		return
	}

	if n, err := s.executor.CancelStale(ctx, s.opts.PendingTimeout); err != nil {
		s.logger.Error("cancel stale orders", "error", err)
	} else if n > 0 {
		s.logger.Info("stale orders cancelled", "count", n)
	}

	strategies, err := s.repo.RunningStrategies(ctx)
	if err != nil {
		s.logger.Error("list running strategies", "error", err)
		return
	}

	for _, st := range strategies {
		if ctx.Err() != nil {
			return
		}
		s.runStrategy(ctx, st)
	}
}

func (s *Scheduler) runStrategy(ctx context.Context, st storage.Strategy) {
	log := s.logger.With("strategy", st.Name)

	eval, err := s.registry.Build(st)
	if err != nil {
		log.Error("build evaluator", "error", err)
		return
	}

	symbols, err := s.symbols(ctx, st)
	if err != nil {
		log.Error("resolve symbol pool", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.opts.SymbolConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			s.processSymbol(ctx, st, eval, sym)
			return nil
		})
	}
	g.Wait()
}

// symbols is the strategy's pool plus every symbol it still has a position
// or an order in flight for, so a symbol rotated out of a top_volume pool is
// still managed and force-closed.
func (s *Scheduler) symbols(ctx context.Context, st storage.Strategy) ([]string, error) {
	var pool []string
	switch st.SymbolPool.Mode {
	case storage.PoolTopVolume:
		if s.pools == nil {
			return nil, fmt.Errorf("top_volume pool without a market data source")
		}
		top, err := s.pools.TopSymbols(ctx, st.SymbolPool.Limit)
		if err != nil {
			return nil, fmt.Errorf("top symbols: %w", err)
		}
		if s.tradable != nil {
			if top, err = s.tradable.FilterTradable(ctx, top); err != nil {
				return nil, fmt.Errorf("filter tradable: %w", err)
			}
		}
		pool = top
	default:
		pool = st.SymbolPool.Symbols
	}

	active, err := s.store.ListByStrategy(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(pool)+len(active))
	var out []string
	add := func(sym string) {
		sym = symbol.Normalize(sym)
		if sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for _, sym := range pool {
		add(sym)
	}
	for _, inst := range active {
		if inst.State != model.StateIdle {
			add(inst.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Scheduler) processSymbol(ctx context.Context, st storage.Strategy, eval strategy.Evaluator, sym string) {
	log := s.logger.With("strategy", st.Name, "symbol", sym)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic processing symbol", "panic", fmt.Sprint(r))
		}
	}()

	// a stop request takes effect between symbols
	status, err := s.repo.StrategyStatus(ctx, st.ID)
	if err != nil {
		log.Error("read strategy status", "error", err)
		return
	}
	if status != model.StrategyRunning {
		log.Debug("strategy no longer running, skipping symbol", "status", status)
		return
	}

	inst, err := s.store.Get(ctx, st.ID, sym)
	if err != nil {
		log.Error("read instance", "error", err)
		return
	}

	if inst.State == model.StateOpening || inst.State == model.StateClosing {
		if inst, err = s.settle(ctx, st, inst, log); err != nil {
			log.Warn("order in flight not settled", "error", err)
			return
		}
		if inst.State == model.StateOpening || inst.State == model.StateClosing {
			return
		}
	}

	if s.calendar.PastForceClose(s.now()) {
		if inst.State == model.StateHolding {
			s.forceClose(ctx, st, sym, log)
		}
		return
	}

	snap, err := s.market.Snapshot(ctx, sym)
	if err != nil {
		log.Warn("market data", "error", err)
		return
	}

	intent, err := eval.Evaluate(ctx, strategy.Input{
		StrategyID: st.ID,
		Config:     st.Config,
		Symbol:     sym,
		Market:     snap,
		State:      inst.State,
		Context:    inst.Context,
	})
	if err != nil {
		log.Error("evaluate", "error", err)
		return
	}
	if intent == nil || intent.Action == model.ActionHold {
		return
	}
	if intent.Symbol == "" {
		intent.Symbol = sym
	}

	s.act(ctx, st, inst, *intent, log)
}

// settle refreshes an instance waiting on an order. A CLOSING instance whose
// exit never reached the broker is resubmitted with its client order id.
func (s *Scheduler) settle(ctx context.Context, st storage.Strategy, inst *storage.StrategyInstance, log *logger.Logger) (*storage.StrategyInstance, error) {
	switch {
	case inst.Context.OrderID != "":
		if _, err := s.executor.Settle(ctx, inst); err != nil {
			return inst, err
		}
	case inst.State == model.StateClosing && inst.Context.ClientOrderID != "":
		log.Info("resubmitting exit order", "client_order_id", inst.Context.ClientOrderID)
		if _, err := s.executor.Close(ctx, executor.CloseRequest{StrategyID: st.ID, Symbol: inst.Symbol, Reason: "resubmit exit"}); err != nil {
			return inst, err
		}
	default:
		return inst, nil
	}
	return s.store.Get(ctx, st.ID, inst.Symbol)
}

func (s *Scheduler) forceClose(ctx context.Context, st storage.Strategy, sym string, log *logger.Logger) {
	log.Warn("force close deadline reached, closing position")
	_, err := s.executor.Close(ctx, executor.CloseRequest{
		StrategyID: st.ID,
		Symbol:     sym,
		Reason:     "force close before market close",
	})
	if err != nil {
		log.Error("force close", "error", err)
		s.notifier.NotifyError(fmt.Sprintf("force close %s/%s", st.Name, sym), err)
	}
}
