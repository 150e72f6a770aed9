package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/storage/storagetest"
)

type recorder struct {
	mu     sync.Mutex
	trades []string
	errors []string
}

func (r *recorder) NotifyTrade(strategy string, side model.Side, symbol string, qty, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, string(side)+" "+symbol)
}

func (r *recorder) NotifyError(context string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, context)
}

type fixture struct {
	db     *gorm.DB
	repo   *storage.Repository
	store  *instance.Store
	ledger *ledger.Ledger
	paper  *broker.PaperGateway
	exec   *Executor
	notes  *recorder
	strat  *storage.Strategy
	alloc  *storage.CapitalAllocation
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.New(t)
	f := &fixture{
		db:    db,
		repo:  storage.NewRepository(db),
		store: instance.NewStore(db, logger.Nop()),
		paper: broker.NewPaperGateway(100000),
		notes: &recorder{},
		clock: time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC),
	}
	f.ledger = ledger.New(db, ledger.NewEquityCache(f.paper, time.Minute, 0, logger.Nop()), logger.Nop())
	f.exec = NewExecutor(f.paper, f.ledger, f.store, f.repo, f.notes, logger.Nop()).
		WithClock(func() time.Time { return f.clock })
	f.strat, f.alloc = storagetest.SeedStrategy(t, db, "exec", storagetest.Budget{Type: model.AllocationFixedAmount, Value: 10000}, "AAPL", "MSFT")
	return f
}

// open reserves capital and opens 10 AAPL at 100 the way the scheduler does.
func (f *fixture) open(t *testing.T) (*storage.ExecutionOrder, uint, error) {
	t.Helper()
	ctx := context.Background()
	res, err := f.ledger.RequestAllocation(ctx, f.strat.ID, 1000, "AAPL")
	require.NoError(t, err)
	require.True(t, res.Approved)

	sig := &storage.StrategySignal{StrategyID: f.strat.ID, Symbol: "AAPL", SignalType: model.SideBuy, Price: 100, Quantity: 10, Status: model.SignalPending}
	require.NoError(t, f.repo.CreateSignal(ctx, sig))

	order, err := f.exec.Open(ctx, OpenRequest{
		StrategyID: f.strat.ID,
		Symbol:     "AAPL",
		Intent:     model.TradingIntent{Action: model.ActionBuy, Symbol: "AAPL", EntryPrice: 100, StopLoss: 95},
		Quantity:   10,
		Amount:     1000,
		SignalID:   sig.ID,
	})
	return order, sig.ID, err
}

func (f *fixture) state(t *testing.T, sym string) *storage.StrategyInstance {
	t.Helper()
	inst, err := f.store.Get(context.Background(), f.strat.ID, sym)
	require.NoError(t, err)
	return inst
}

func (f *fixture) signal(t *testing.T, id uint) model.SignalStatus {
	t.Helper()
	s, err := f.repo.GetSignal(context.Background(), id)
	require.NoError(t, err)
	return s.Status
}

func TestOpenAndCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order, sigID, err := f.open(t)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, order.Status)
	assert.Equal(t, f.clock, order.CreatedAt)

	inst := f.state(t, "AAPL")
	assert.Equal(t, model.StateHolding, inst.State)
	assert.Equal(t, 10.0, inst.Context.Quantity)
	require.NotNil(t, inst.Context.Stock)
	assert.Equal(t, 95.0, inst.Context.Stock.StopLoss)
	require.NotNil(t, inst.Context.EntryTime)
	assert.Equal(t, model.SignalExecuted, f.signal(t, sigID))
	assert.InDelta(t, 1000.0, storagetest.Usage(t, f.db, f.alloc.ID), 1e-9, "capital stays committed while holding")

	closeOrder, err := f.exec.Close(ctx, CloseRequest{StrategyID: f.strat.ID, Symbol: "AAPL", Price: 110, Reason: "take profit"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, closeOrder.Status)
	require.NotNil(t, closeOrder.SignalID)
	assert.Equal(t, model.SignalExecuted, f.signal(t, *closeOrder.SignalID))

	assert.Equal(t, model.StateIdle, f.state(t, "AAPL").State)
	assert.Equal(t, 0.0, storagetest.Usage(t, f.db, f.alloc.ID))
	assert.Equal(t, []string{"BUY AAPL", "SELL AAPL"}, f.notes.trades)

	positions, err := f.paper.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestOpenRefusedRevertsAndReleases(t *testing.T) {
	f := newFixture(t)
	f.paper.FailNext(broker.OpSubmit, broker.ErrRejected)

	_, sigID, err := f.open(t)
	assert.ErrorIs(t, err, broker.ErrRejected)

	assert.Equal(t, model.StateIdle, f.state(t, "AAPL").State)
	assert.Equal(t, 0.0, storagetest.Usage(t, f.db, f.alloc.ID))
	assert.Equal(t, model.SignalRejected, f.signal(t, sigID))
}

func TestOpenTransientFailureLeavesOpening(t *testing.T) {
	f := newFixture(t)
	f.paper.FailNext(broker.OpSubmit, broker.ErrUnavailable)

	_, _, err := f.open(t)
	assert.ErrorIs(t, err, broker.ErrUnavailable)

	inst := f.state(t, "AAPL")
	assert.Equal(t, model.StateOpening, inst.State)
	assert.Empty(t, inst.Context.OrderID)
	assert.NotEmpty(t, inst.Context.ClientOrderID)
	assert.InDelta(t, 1000.0, storagetest.Usage(t, f.db, f.alloc.ID), 1e-9, "capital stays reserved until the outcome is known")
}

func TestCancelledEntryReturnsCapital(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paper.SetAutoFill(false)

	order, sigID, err := f.open(t)
	require.NoError(t, err)
	assert.Equal(t, model.OrderSubmitted, order.Status)
	assert.Equal(t, model.StateOpening, f.state(t, "AAPL").State)

	require.NoError(t, f.paper.SetOrderStatus(order.OrderID, model.OrderCancelled))
	settled, err := f.exec.SettlePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	assert.Equal(t, model.StateIdle, f.state(t, "AAPL").State)
	assert.Equal(t, 0.0, storagetest.Usage(t, f.db, f.alloc.ID))
	assert.Equal(t, model.SignalIgnored, f.signal(t, sigID))

	settled, err = f.exec.SettlePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled, "nothing left to settle")
}

func TestCloseRetryReusesClientOrderID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.open(t)
	require.NoError(t, err)

	f.paper.FailNext(broker.OpSubmit, broker.ErrUnavailable)
	_, err = f.exec.Close(ctx, CloseRequest{StrategyID: f.strat.ID, Symbol: "AAPL", Reason: "expiry"})
	require.Error(t, err)

	inst := f.state(t, "AAPL")
	assert.Equal(t, model.StateClosing, inst.State)
	clientID := inst.Context.ClientOrderID
	require.NotEmpty(t, clientID)

	order, err := f.exec.Close(ctx, CloseRequest{StrategyID: f.strat.ID, Symbol: "AAPL", Reason: "expiry"})
	require.NoError(t, err)
	assert.Equal(t, clientID, order.ClientOrderID)
	assert.Equal(t, model.StateIdle, f.state(t, "AAPL").State)
	assert.Equal(t, 2, f.paper.SubmitCount())
}

func TestCloseRefusedStaysHolding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.open(t)
	require.NoError(t, err)

	f.paper.FailNext(broker.OpSubmit, broker.ErrRejected)
	_, err = f.exec.Close(ctx, CloseRequest{StrategyID: f.strat.ID, Symbol: "AAPL", Reason: "signal"})
	assert.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, model.StateHolding, f.state(t, "AAPL").State)

	_, err = f.exec.Close(ctx, CloseRequest{StrategyID: f.strat.ID, Symbol: "MSFT"})
	assert.ErrorIs(t, err, ErrNotHolding)
}

func TestCancelStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paper.SetAutoFill(false)

	_, _, err := f.open(t)
	require.NoError(t, err)

	n, err := f.exec.CancelStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "order is fresh")

	f.clock = f.clock.Add(10 * time.Minute)
	n, err = f.exec.CancelStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateIdle, f.state(t, "AAPL").State)
	assert.Equal(t, 0.0, storagetest.Usage(t, f.db, f.alloc.ID))
}

func TestFlatten(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paper.SetPosition("TSLA", -3, 200, 210)

	order, err := f.exec.Flatten(ctx, broker.Position{Symbol: "TSLA", Quantity: -3})
	require.NoError(t, err)
	assert.Equal(t, model.SideBuy, order.Side)
	assert.Equal(t, 3.0, order.Quantity)
	assert.Zero(t, order.StrategyID)

	positions, err := f.paper.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	_, err = f.exec.Flatten(ctx, broker.Position{Symbol: "TSLA", Quantity: 1})
	assert.Error(t, err)
}

func TestPartlyFilledEntryHoldsExecutedPart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paper.SetAutoFill(false)

	order, sigID, err := f.open(t)
	require.NoError(t, err)
	require.NoError(t, f.paper.PartialFill(order.OrderID, 4))

	settled, err := f.exec.SettlePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled, "partial fill is still working")
	assert.Equal(t, model.StateOpening, f.state(t, "AAPL").State)

	f.clock = f.clock.Add(10 * time.Minute)
	n, err := f.exec.CancelStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst := f.state(t, "AAPL")
	assert.Equal(t, model.StateHolding, inst.State)
	assert.Equal(t, 4.0, inst.Context.Quantity)
	assert.Equal(t, 100.0, inst.Context.EntryPrice)
	assert.InDelta(t, 400.0, inst.Context.AllocationAmount, 1e-6)
	assert.InDelta(t, 400.0, storagetest.Usage(t, f.db, f.alloc.ID), 1e-6)
	assert.Equal(t, model.SignalExecuted, f.signal(t, sigID))

	row, err := f.repo.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, row.Status)
	assert.Equal(t, 4.0, row.FilledQuantity)
	assert.Equal(t, 100.0, row.AvgFillPrice)

	positions, err := f.paper.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 4.0, positions[0].Quantity)
}

func TestPartlyFilledExitKeepsRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.open(t)
	require.NoError(t, err)

	f.paper.SetAutoFill(false)
	order, err := f.exec.Close(ctx, CloseRequest{StrategyID: f.strat.ID, Symbol: "AAPL", Price: 110, Reason: "take profit"})
	require.NoError(t, err)
	require.NoError(t, f.paper.PartialFill(order.OrderID, 6))
	require.NoError(t, f.paper.CancelOrder(ctx, order.OrderID))

	_, err = f.exec.SettlePending(ctx)
	require.NoError(t, err)

	inst := f.state(t, "AAPL")
	assert.Equal(t, model.StateHolding, inst.State)
	assert.Equal(t, 4.0, inst.Context.Quantity)
	assert.Empty(t, inst.Context.OrderID)
	assert.InDelta(t, 400.0, storagetest.Usage(t, f.db, f.alloc.ID), 1e-6)

	row, err := f.repo.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 6.0, row.FilledQuantity)
	assert.Equal(t, 110.0, row.AvgFillPrice)
}

func TestFilledOrderRecordsFill(t *testing.T) {
	order, _, err := newFixture(t).open(t)
	require.NoError(t, err)
	assert.Equal(t, 10.0, order.FilledQuantity)
	assert.Equal(t, 100.0, order.AvgFillPrice)
}
