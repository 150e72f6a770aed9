package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/executor"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/market"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/storage/storagetest"
	"github.com/camuig/quant-trader/internal/strategy"
)

type nopNotifier struct{}

func (nopNotifier) NotifyTrade(string, model.Side, string, float64, float64) {}
func (nopNotifier) NotifyError(string, error)                               {}

// script answers evaluations per symbol and counts calls.
type script struct {
	mu    sync.Mutex
	rules map[string]func(in strategy.Input) *model.TradingIntent
	calls map[string]int
}

func (s *script) set(sym string, fn func(in strategy.Input) *model.TradingIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[sym] = fn
}

func (s *script) count(sym string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[sym]
}

func (s *script) Evaluate(ctx context.Context, in strategy.Input) (*model.TradingIntent, error) {
	s.mu.Lock()
	s.calls[in.Symbol]++
	fn := s.rules[in.Symbol]
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(in), nil
}

func buyAt(price float64) func(strategy.Input) *model.TradingIntent {
	return func(in strategy.Input) *model.TradingIntent {
		return &model.TradingIntent{Action: model.ActionBuy, Symbol: in.Symbol, EntryPrice: price, Reason: "test"}
	}
}

func sellAt(price float64) func(strategy.Input) *model.TradingIntent {
	return func(in strategy.Input) *model.TradingIntent {
		return &model.TradingIntent{Action: model.ActionSell, Symbol: in.Symbol, SellPrice: price, EntryPrice: in.Context.EntryPrice, Reason: "test"}
	}
}

type fixture struct {
	db     *gorm.DB
	repo   *storage.Repository
	store  *instance.Store
	ledger *ledger.Ledger
	paper  *broker.PaperGateway
	exec   *executor.Executor
	script *script
	strat  *storage.Strategy
	alloc  *storage.CapitalAllocation
	clock  time.Time
	sched  *Scheduler
}

// 10:00 New York on a Monday
var sessionStart = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()
	db := storagetest.New(t)
	f := &fixture{
		db:     db,
		repo:   storage.NewRepository(db),
		store:  instance.NewStore(db, logger.Nop()),
		paper:  broker.NewPaperGateway(100000),
		script: &script{rules: map[string]func(strategy.Input) *model.TradingIntent{}, calls: map[string]int{}},
		clock:  sessionStart,
	}
	now := func() time.Time { return f.clock }
	f.paper.SetQuote("AAPL", 100)
	f.paper.SetQuote("MSFT", 200)

	f.ledger = ledger.New(db, ledger.NewEquityCache(f.paper, time.Minute, 0, logger.Nop()), logger.Nop())
	f.exec = executor.NewExecutor(f.paper, f.ledger, f.store, f.repo, nopNotifier{}, logger.Nop()).WithClock(now)
	f.strat, f.alloc = storagetest.SeedStrategy(t, db, "scripted", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 10000}, "AAPL", "MSFT")
	require.NoError(t, db.Model(f.strat).Update("type", "scripted").Error)

	f.sched = f.newScheduler(t, concurrency)
	return f
}

func (f *fixture) newScheduler(t *testing.T, concurrency int) *Scheduler {
	t.Helper()
	cal, err := market.New(market.Options{
		Timezone:       "America/New_York",
		Open:           "09:30",
		Close:          "16:00",
		EntryCutoff:    30 * time.Minute,
		ForceCloseLead: 10 * time.Minute,
	})
	require.NoError(t, err)

	registry := strategy.NewRegistry()
	registry.Register("scripted", func(storage.Strategy) (strategy.Evaluator, error) { return f.script, nil })

	now := func() time.Time { return f.clock }
	md := strategy.QuoteMarket{Quoter: f.paper, Now: now}
	return NewScheduler(f.repo, f.store, f.ledger, f.exec, registry, md, cal, nopNotifier{}, Options{
		Interval:          time.Minute,
		SymbolConcurrency: concurrency,
		DuplicateWindow:   time.Minute,
		RebuyGuardWindow:  24 * time.Hour,
		PendingTimeout:    5 * time.Minute,
	}, logger.Nop()).WithClock(now)
}

func (f *fixture) instance(t *testing.T, sym string) *storage.StrategyInstance {
	t.Helper()
	inst, err := f.store.Get(context.Background(), f.strat.ID, sym)
	require.NoError(t, err)
	return inst
}

func (f *fixture) signals(t *testing.T) []storage.StrategySignal {
	t.Helper()
	var out []storage.StrategySignal
	require.NoError(t, f.db.Order("id").Find(&out).Error)
	return out
}

func TestBuyFillsIntoHolding(t *testing.T) {
	f := newFixture(t, 2)
	f.script.set("AAPL", buyAt(100))

	f.sched.RunCycle(context.Background())

	inst := f.instance(t, "AAPL")
	assert.Equal(t, model.StateHolding, inst.State)
	assert.Equal(t, 50.0, inst.Context.Quantity, "sized to the 5000 per-symbol ceiling")
	assert.InDelta(t, 5000.0, storagetest.Usage(t, f.db, f.alloc.ID), 1e-9)

	sigs := f.signals(t)
	require.Len(t, sigs, 1)
	assert.Equal(t, model.SignalExecuted, sigs[0].Status)
	assert.Equal(t, model.StateIdle, f.instance(t, "MSFT").State)
}

func TestDuplicateGuardSubmitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.paper.SetAutoFill(false)
	f.script.set("AAPL", buyAt(100))

	f.sched.RunCycle(ctx)
	inst := f.instance(t, "AAPL")
	require.Equal(t, model.StateOpening, inst.State)
	require.NoError(t, f.paper.SetOrderStatus(inst.Context.OrderID, model.OrderCancelled))

	// the cancelled entry is settled back to IDLE, then the same BUY arrives again
	f.clock = f.clock.Add(30 * time.Second)
	f.sched.RunCycle(ctx)
	assert.Equal(t, 1, f.paper.SubmitCount())
	assert.Equal(t, model.StateIdle, f.instance(t, "AAPL").State)

	// a restarted process has an empty cache; the order table still blocks it
	f.clock = f.clock.Add(10 * time.Second)
	f.newScheduler(t, 1).RunCycle(ctx)
	assert.Equal(t, 1, f.paper.SubmitCount())

	sigs := f.signals(t)
	require.Len(t, sigs, 3)
	assert.Equal(t, model.SignalIgnored, sigs[0].Status, "cancelled entry")
	assert.Equal(t, model.SignalIgnored, sigs[1].Status, "duplicate from cache")
	assert.Equal(t, model.SignalIgnored, sigs[2].Status, "duplicate from order table")

	f.clock = f.clock.Add(2 * time.Minute)
	f.sched.RunCycle(ctx)
	assert.Equal(t, 2, f.paper.SubmitCount(), "window elapsed")
}

func TestForceCloseAtDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.script.set("AAPL", buyAt(100))
	f.sched.RunCycle(ctx)
	require.Equal(t, model.StateHolding, f.instance(t, "AAPL").State)
	calls := f.script.count("AAPL")

	f.clock = time.Date(2024, 3, 4, 20, 55, 0, 0, time.UTC) // 15:55 New York
	f.sched.RunCycle(ctx)

	assert.Equal(t, model.StateIdle, f.instance(t, "AAPL").State)
	assert.Equal(t, 0.0, storagetest.Usage(t, f.db, f.alloc.ID))
	assert.Equal(t, calls, f.script.count("AAPL"), "no evaluation past the deadline")
	positions, err := f.paper.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestNoEntriesOutsideWindow(t *testing.T) {
	f := newFixture(t, 2)
	f.script.set("AAPL", buyAt(100))

	f.clock = time.Date(2024, 3, 4, 20, 40, 0, 0, time.UTC) // 15:40, inside the entry cutoff
	f.sched.RunCycle(context.Background())
	assert.Zero(t, f.paper.SubmitCount())
	assert.Empty(t, f.signals(t))

	before := f.script.count("MSFT")
	f.clock = time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC) // Saturday
	f.sched.RunCycle(context.Background())
	assert.Equal(t, before, f.script.count("MSFT"), "closed market is not evaluated")
}

func TestStopTakesEffectMidCycle(t *testing.T) {
	f := newFixture(t, 1)
	f.script.set("AAPL", func(in strategy.Input) *model.TradingIntent {
		assert.NoError(t, f.repo.SetStrategyStatus(context.Background(), in.StrategyID, model.StrategyStopped))
		return nil
	})
	f.script.set("MSFT", buyAt(200))

	f.sched.RunCycle(context.Background())

	assert.Equal(t, 1, f.script.count("AAPL"))
	assert.Zero(t, f.script.count("MSFT"))
	assert.Zero(t, f.paper.SubmitCount())
}

func TestSymbolFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, 2)
	f.script.set("AAPL", func(strategy.Input) *model.TradingIntent { panic("boom") })
	f.script.set("MSFT", buyAt(200))

	f.sched.RunCycle(context.Background())

	assert.Equal(t, model.StateIdle, f.instance(t, "AAPL").State)
	assert.Equal(t, model.StateHolding, f.instance(t, "MSFT").State)
	assert.Equal(t, 25.0, f.instance(t, "MSFT").Context.Quantity)
}

func TestValidationRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	f.script.set("AAPL", sellAt(100))
	f.sched.RunCycle(ctx)
	sigs := f.signals(t)
	require.Len(t, sigs, 1)
	assert.Equal(t, model.SignalRejected, sigs[0].Status, "SELL without a position")

	f.script.set("AAPL", buyAt(100))
	f.clock = f.clock.Add(time.Minute)
	f.sched.RunCycle(ctx)
	require.Equal(t, model.StateHolding, f.instance(t, "AAPL").State)

	f.script.set("AAPL", sellAt(110))
	f.clock = f.clock.Add(time.Minute)
	f.sched.RunCycle(ctx)
	require.Equal(t, model.StateIdle, f.instance(t, "AAPL").State)

	f.script.set("AAPL", buyAt(120))
	f.clock = f.clock.Add(2 * time.Minute)
	f.sched.RunCycle(ctx)
	assert.Equal(t, model.StateIdle, f.instance(t, "AAPL").State, "BUY above the last SELL")
	sigs = f.signals(t)
	assert.Equal(t, model.SignalRejected, sigs[len(sigs)-1].Status)

	f.script.set("AAPL", buyAt(105))
	f.clock = f.clock.Add(2 * time.Minute)
	f.sched.RunCycle(ctx)
	assert.Equal(t, model.StateHolding, f.instance(t, "AAPL").State)
}

func TestAllocationDenialRejectsSignal(t *testing.T) {
	f := newFixture(t, 1)
	f.script.set("AAPL", func(in strategy.Input) *model.TradingIntent {
		return &model.TradingIntent{Action: model.ActionBuy, Symbol: in.Symbol, EntryPrice: 100, Quantity: 60}
	})

	f.sched.RunCycle(context.Background())

	assert.Zero(t, f.paper.SubmitCount())
	sigs := f.signals(t)
	require.Len(t, sigs, 1)
	assert.Equal(t, model.SignalRejected, sigs[0].Status, "6000 exceeds the 5000 per-symbol ceiling")
}

func TestFailedDuplicateCheckRejectsSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.script.set("AAPL", buyAt(100))
	f.sched.RunCycle(ctx)
	require.Equal(t, model.StateHolding, f.instance(t, "AAPL").State)

	require.NoError(t, f.db.Migrator().DropTable(&storage.ExecutionOrder{}))
	f.script.set("AAPL", sellAt(110))
	f.clock = f.clock.Add(time.Minute)
	f.sched.RunCycle(ctx)

	assert.Equal(t, 1, f.paper.SubmitCount(), "no exit without the order history")
	assert.Equal(t, model.StateHolding, f.instance(t, "AAPL").State)
	sigs := f.signals(t)
	require.Len(t, sigs, 2)
	assert.Equal(t, model.SignalRejected, sigs[1].Status)
}

type fakePools struct{ symbols []string }

func (p fakePools) TopSymbols(ctx context.Context, limit int) ([]string, error) {
	return p.symbols[:limit], nil
}

type onlyTradable map[string]bool

func (o onlyTradable) FilterTradable(ctx context.Context, tickers []string) ([]string, error) {
	var out []string
	for _, t := range tickers {
		if o[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestTopVolumePoolKeepsHeldSymbols(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	st := *f.strat
	st.SymbolPool = storage.SymbolPool{Mode: storage.PoolTopVolume, Limit: 3}

	_, err := f.sched.symbols(ctx, st)
	assert.Error(t, err, "no pool source configured")

	f.sched.WithPools(fakePools{symbols: []string{"SBER", "GAZP", "LKOH", "MOEX"}}, onlyTradable{"SBER": true, "LKOH": true})
	_, err = f.store.Repair(ctx, st.ID, "YDEX", model.StateHolding,
		model.InstanceContext{AssetClass: model.AssetStock, Quantity: 1, EntryPrice: 4000}, "seed")
	require.NoError(t, err)

	got, err := f.sched.symbols(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, []string{"LKOH", "SBER", "YDEX"}, got)
}

func TestRecentOrders(t *testing.T) {
	r := newRecentOrders()
	k := recentKey{strategyID: 1, symbol: "AAPL", side: model.SideBuy}
	assert.True(t, r.claim(k, sessionStart, time.Minute))
	assert.False(t, r.claim(k, sessionStart.Add(59*time.Second), time.Minute))
	assert.True(t, r.claim(k, sessionStart.Add(time.Minute), time.Minute))
	r.forget(k)
	assert.True(t, r.claim(k, sessionStart.Add(time.Minute), time.Minute))
}
