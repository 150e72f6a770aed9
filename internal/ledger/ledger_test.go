package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/storage/storagetest"
)

func newLedger(t *testing.T, equity float64) (*Ledger, *gorm.DB, *broker.PaperGateway) {
	t.Helper()
	db := storagetest.New(t)
	paper := broker.NewPaperGateway(equity)
	paper.SetEquity(equity)
	cache := NewEquityCache(paper, time.Minute, 0, logger.Nop())
	return New(db, cache, logger.Nop()), db, paper
}

func TestTwoSymbolBudget(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 100000)
	strat, alloc := storagetest.SeedStrategy(t, db, "pair", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000}, "AAPL", "MSFT")

	res, err := l.RequestAllocation(ctx, strat.ID, 600, "AAPL")
	require.NoError(t, err)
	assert.False(t, res.Approved, "600 exceeds the 500 per-symbol ceiling")
	assert.Contains(t, res.Reason, "per-symbol")

	res, err = l.RequestAllocation(ctx, strat.ID, 400, "AAPL")
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, 400.0, res.Amount)

	res, err = l.RequestAllocation(ctx, strat.ID, 150, "AAPL")
	require.NoError(t, err)
	assert.False(t, res.Approved, "400 + 150 exceeds 500 on AAPL")

	res, err = l.RequestAllocation(ctx, strat.ID, 150, "MSFT")
	require.NoError(t, err)
	assert.True(t, res.Approved)

	assert.InDelta(t, 550.0, storagetest.Usage(t, db, alloc.ID), 1e-9)

	avail, err := l.GetAvailableCapital(ctx, strat.ID)
	require.NoError(t, err)
	assert.InDelta(t, 450.0, avail, 1e-9)

	room, err := l.Headroom(ctx, strat.ID, "MSFT")
	require.NoError(t, err)
	assert.InDelta(t, 350.0, room, 1e-9)

	per, err := l.MaxPerSymbol(ctx, strat.ID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, per)
}

func TestOptionLegsShareUnderlying(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 100000)
	strat, _ := storagetest.SeedStrategy(t, db, "spx", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000}, "SPX", "QQQ")

	res, err := l.RequestAllocation(ctx, strat.ID, 300, "SPXW240119C04800000")
	require.NoError(t, err)
	require.True(t, res.Approved)

	res, err = l.RequestAllocation(ctx, strat.ID, 300, "SPX240119P04700000")
	require.NoError(t, err)
	assert.False(t, res.Approved, "both legs count against the SPX ceiling")
}

func TestConcurrentRequestsNeverExceedCeiling(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 10000)
	strat, alloc := storagetest.SeedStrategy(t, db, "burst", storagetest.Budget{Type: model.AllocationPercentage, Value: 0.1})

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.RequestAllocation(ctx, strat.ID, 100, "")
			assert.NoError(t, err)
			if res.Approved {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, approved, "ceiling is 10 percent of 10000")
	assert.InDelta(t, 1000.0, storagetest.Usage(t, db, alloc.ID), 1e-9)
}

func TestFixedBudgetCappedByEquity(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 300)
	strat, _ := storagetest.SeedStrategy(t, db, "small", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000})

	res, err := l.RequestAllocation(ctx, strat.ID, 400, "")
	require.NoError(t, err)
	assert.False(t, res.Approved)

	res, err = l.RequestAllocation(ctx, strat.ID, 300, "")
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 10000)
	strat, alloc := storagetest.SeedStrategy(t, db, "clamp", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000}, "AAPL")

	res, err := l.RequestAllocation(ctx, strat.ID, 200, "AAPL")
	require.NoError(t, err)
	require.True(t, res.Approved)

	require.NoError(t, l.ReleaseAllocation(ctx, strat.ID, 200, "AAPL"))
	require.NoError(t, l.ReleaseAllocation(ctx, strat.ID, 200, "AAPL"))
	assert.Equal(t, 0.0, storagetest.Usage(t, db, alloc.ID))

	var leg storage.AllocationLeg
	require.NoError(t, db.Where("strategy_id = ?", strat.ID).First(&leg).Error)
	assert.Equal(t, 0.0, leg.Amount)
}

func TestRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 10000)
	strat, alloc := storagetest.SeedStrategy(t, db, "bad", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000})

	res, err := l.RequestAllocation(ctx, strat.ID, 0, "")
	require.NoError(t, err)
	assert.False(t, res.Approved)

	res, err = l.RequestAllocation(ctx, 9999, 10, "")
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "not found")

	orphan := &storage.Strategy{Name: "orphan", Type: "hold", Status: model.StrategyRunning}
	require.NoError(t, db.Create(orphan).Error)
	res, err = l.RequestAllocation(ctx, orphan.ID, 10, "")
	require.NoError(t, err)
	assert.False(t, res.Approved)

	assert.Equal(t, 0.0, storagetest.Usage(t, db, alloc.ID))
}

func TestEquityUnavailableDenies(t *testing.T) {
	ctx := context.Background()
	l, db, paper := newLedger(t, 10000)
	strat, alloc := storagetest.SeedStrategy(t, db, "blind", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000})

	paper.FailNext(broker.OpEquity, broker.ErrUnavailable)
	res, err := l.RequestAllocation(ctx, strat.ID, 10, "")
	assert.ErrorIs(t, err, ErrEquityUnavailable)
	assert.False(t, res.Approved)
	assert.Equal(t, 0.0, storagetest.Usage(t, db, alloc.ID))
}

func TestResetKeepsSiblingUsage(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 10000)
	first, alloc := storagetest.SeedStrategy(t, db, "first", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000}, "AAPL")
	second := &storage.Strategy{
		Name: "second", Type: "hold", Status: model.StrategyRunning,
		CapitalAllocationID: &alloc.ID,
		SymbolPool:          storage.SymbolPool{Mode: storage.PoolStatic, Symbols: []string{"MSFT"}},
	}
	require.NoError(t, db.Create(second).Error)

	for _, req := range []struct {
		id  uint
		sym string
	}{{first.ID, "AAPL"}, {second.ID, "MSFT"}} {
		res, err := l.RequestAllocation(ctx, req.id, 250, req.sym)
		require.NoError(t, err)
		require.True(t, res.Approved)
	}

	require.NoError(t, l.ResetUsedAmount(ctx, first.ID))
	assert.InDelta(t, 250.0, storagetest.Usage(t, db, alloc.ID), 1e-9)
}

func TestCorrectRebuildsLegs(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 10000)
	strat, alloc := storagetest.SeedStrategy(t, db, "drift", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 1000}, "AAPL", "MSFT")

	res, err := l.RequestAllocation(ctx, strat.ID, 400, "AAPL")
	require.NoError(t, err)
	require.True(t, res.Approved)

	prev, err := l.Correct(ctx, alloc.ID, []LegUsage{{StrategyID: strat.ID, Symbol: "MSFT", Amount: 120}}, "test")
	require.NoError(t, err)
	assert.Equal(t, 400.0, prev)
	assert.InDelta(t, 120.0, storagetest.Usage(t, db, alloc.ID), 1e-9)

	room, err := l.Headroom(ctx, strat.ID, "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 500.0, room, 1e-9, "AAPL leg was cleared")

	ok, ceiling, err := l.ValidateUsage(ctx, alloc.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1000.0, ceiling)
}

func TestAllocationAdmin(t *testing.T) {
	ctx := context.Background()
	l, db, _ := newLedger(t, 10000)

	require.NoError(t, l.CreateAllocation(ctx, &storage.CapitalAllocation{Name: "a", AllocationType: model.AllocationPercentage, AllocationValue: 0.6}))
	err := l.CreateAllocation(ctx, &storage.CapitalAllocation{Name: "b", AllocationType: model.AllocationPercentage, AllocationValue: 0.5})
	assert.ErrorIs(t, err, ErrInvalidAllocation)
	require.NoError(t, l.CreateAllocation(ctx, &storage.CapitalAllocation{Name: "c", AllocationType: model.AllocationPercentage, AllocationValue: 0.4}))
	assert.ErrorIs(t, l.CreateAllocation(ctx, &storage.CapitalAllocation{Name: "d", AllocationType: "WEIRD", AllocationValue: 1}), ErrInvalidAllocation)

	system := &storage.CapitalAllocation{Name: "root", AllocationType: model.AllocationFixedAmount, AllocationValue: 1, IsSystem: true}
	require.NoError(t, db.Create(system).Error)
	assert.ErrorIs(t, l.DeleteAllocation(ctx, system.ID), ErrSystemAllocation)

	_, used := storagetest.SeedStrategy(t, db, "user", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 10})
	assert.ErrorIs(t, l.DeleteAllocation(ctx, used.ID), ErrAllocationInUse)

	free := &storage.CapitalAllocation{Name: "free", AllocationType: model.AllocationFixedAmount, AllocationValue: 5}
	require.NoError(t, l.CreateAllocation(ctx, free))
	require.NoError(t, l.DeleteAllocation(ctx, free.ID))

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, snap)
	assert.Equal(t, 6000.0, snap[0].Ceiling)
}

type flakyEquity struct {
	values []float64
	errs   []error
	calls  int
}

func (f *flakyEquity) GetEquity(ctx context.Context) (float64, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return 0, f.errs[i]
	}
	return f.values[i], nil
}

func TestEquityCache(t *testing.T) {
	ctx := context.Background()
	src := &flakyEquity{values: []float64{100, 0, 300}, errs: []error{nil, broker.ErrUnavailable, nil}}
	c := NewEquityCache(src, 10*time.Second, 2*time.Second, logger.Nop())
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	now = now.Add(5 * time.Second)
	v, _ = c.Get(ctx)
	assert.Equal(t, 100.0, v, "within ttl")
	assert.Equal(t, 1, src.calls)

	now = now.Add(10 * time.Second)
	v, err = c.Get(ctx)
	require.NoError(t, err, "refresh failure falls back to the cached value")
	assert.Equal(t, 100.0, v)

	now = now.Add(time.Second)
	_, _ = c.Get(ctx)
	assert.Equal(t, 2, src.calls, "min spacing between broker calls")

	c.Invalidate()
	v, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300.0, v)
}

func TestEquityCacheColdFailure(t *testing.T) {
	src := &flakyEquity{errs: []error{broker.ErrUnavailable}}
	c := NewEquityCache(src, time.Second, 0, logger.Nop())
	_, err := c.Get(context.Background())
	assert.ErrorIs(t, err, ErrEquityUnavailable)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
}
