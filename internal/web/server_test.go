package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/storage/storagetest"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type fixture struct {
	srv   *Server
	repo  *storage.Repository
	store *instance.Store
	strat *storage.Strategy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.New(t)
	paper := broker.NewPaperGateway(50000)
	l := ledger.New(db, ledger.NewEquityCache(paper, time.Minute, 0, logger.Nop()), logger.Nop())
	store := instance.NewStore(db, logger.Nop())
	repo := storage.NewRepository(db)
	strat, _ := storagetest.SeedStrategy(t, db, "momo", storagetest.Budget{Type: model.AllocationPercentage, Value: 0.2}, "AAPL", "MSFT")

	cfg := &config.Config{Broker: config.BrokerConfig{Mode: config.BrokerPaper}}
	return &fixture{srv: NewServer(l, store, repo, cfg, logger.Nop()), repo: repo, store: store, strat: strat}
}

func (f *fixture) get(t *testing.T, path string) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, env := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"mode":"PAPER"`)
}

func TestAllocations(t *testing.T) {
	f := newFixture(t)
	code, env := f.get(t, "/api/allocations")
	require.Equal(t, http.StatusOK, code)

	var allocs []ledger.AllocationStatus
	require.NoError(t, json.Unmarshal(env.Data, &allocs))
	require.Len(t, allocs, 1)
	assert.Equal(t, "momo-budget", allocs[0].Name)
	assert.InDelta(t, 10000.0, allocs[0].Ceiling, 1e-9)
}

func TestInstances(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Repair(context.Background(), f.strat.ID, "AAPL", model.StateHolding,
		model.InstanceContext{AssetClass: model.AssetStock, Quantity: 5, EntryPrice: 100}, "seed")
	require.NoError(t, err)

	code, env := f.get(t, "/api/instances")
	require.Equal(t, http.StatusOK, code)
	var list []storage.StrategyInstance
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, model.StateHolding, list[0].State)

	code, env = f.get(t, "/api/instances?strategy=999")
	require.Equal(t, http.StatusOK, code)
	var none []storage.StrategyInstance
	if len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, &none))
	}
	assert.Empty(t, none)

	code, env = f.get(t, "/api/instances?strategy=abc")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
}

func TestDiscrepanciesLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.repo.SaveDiscrepancy(ctx, &storage.DiscrepancyReport{
			Kind: storage.DiscrepancyUsageDrift, Severity: model.SeverityWarning, StrategyID: f.strat.ID,
		}))
	}

	code, env := f.get(t, "/api/discrepancies?limit=2")
	require.Equal(t, http.StatusOK, code)
	var list []storage.DiscrepancyReport
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	code, _ = f.get(t, "/api/discrepancies?limit=-1")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBackfillEndpoints(t *testing.T) {
	f := newFixture(t)
	run := &storage.BackfillRun{WindowMinutes: 5, Ambiguous: 1}
	require.NoError(t, f.repo.SaveBackfillRun(context.Background(), run, []storage.BackfillFlag{
		{Direction: "order_to_signal", OrderID: "ord-1", CandidateIDs: "3,4"},
	}))

	code, env := f.get(t, "/api/backfill/runs")
	require.Equal(t, http.StatusOK, code)
	var runs []storage.BackfillRun
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Ambiguous)

	code, env = f.get(t, "/api/backfill/flags")
	require.Equal(t, http.StatusOK, code)
	var flags []storage.BackfillFlag
	require.NoError(t, json.Unmarshal(env.Data, &flags))
	require.Len(t, flags, 1)
	assert.Equal(t, run.ID, flags[0].RunID)
}

func TestSignalsAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := &storage.StrategySignal{StrategyID: f.strat.ID, Symbol: "AAPL", SignalType: model.SideBuy, Price: 100, Quantity: 1, Status: model.SignalPending}
	require.NoError(t, f.repo.CreateSignal(ctx, sig))
	require.NoError(t, f.repo.CreateOrder(ctx, &storage.ExecutionOrder{
		OrderID: "ord-1", StrategyID: f.strat.ID, Symbol: "AAPL", Side: model.SideBuy, Quantity: 1, Status: model.OrderFilled, SignalID: &sig.ID,
	}))

	code, env := f.get(t, "/api/signals")
	require.Equal(t, http.StatusOK, code)
	var signals []storage.StrategySignal
	require.NoError(t, json.Unmarshal(env.Data, &signals))
	require.Len(t, signals, 1)
	assert.Equal(t, "AAPL", signals[0].Symbol)

	code, env = f.get(t, "/api/orders?limit=5")
	require.Equal(t, http.StatusOK, code)
	var orders []storage.ExecutionOrder
	require.NoError(t, json.Unmarshal(env.Data, &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "ord-1", orders[0].OrderID)
}
