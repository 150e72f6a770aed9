package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/google/uuid"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "show positions without closing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)

	db, err := storage.Open(cfg.DatabaseOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "database error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	conn, err := broker.Connect(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker init error: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	equity := ledger.NewEquityCache(conn, config.Duration(cfg.Ledger.EquityTTL), 0, log)
	c := &closer{
		gateway: conn,
		repo:    storage.NewRepository(db),
		store:   instance.NewStore(db, log),
		ledger:  ledger.New(db, equity, log),
		out:     os.Stdout,
		errOut:  os.Stderr,
	}

	_, failed, err := c.run(ctx, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

type closer struct {
	gateway broker.Gateway
	repo    *storage.Repository
	store   *instance.Store
	ledger  *ledger.Ledger
	out     io.Writer
	errOut  io.Writer
}

// run sends a market order against every broker position, then moves the
// instances that held them to IDLE and zeroes their strategies' usage.
func (c *closer) run(ctx context.Context, dryRun bool) (closed, failed int, err error) {
	positions, err := c.gateway.GetPositions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("get positions error: %w", err)
	}
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list instances error: %w", err)
	}

	if len(positions) == 0 {
		fmt.Fprintln(c.out, "No open positions.")
		return 0, 0, nil
	}

	fmt.Fprintf(c.out, "Found %d position(s):\n\n", len(positions))
	for _, p := range positions {
		owner := "unowned"
		if inst := owning(active, p); inst != nil {
			owner = fmt.Sprintf("strategy %d/%s", inst.StrategyID, inst.Symbol)
		}
		fmt.Fprintf(c.out, "  %s: qty %g, avg %.2f, last %.2f (%s)\n", p.Symbol, p.Quantity, p.AvgCost, p.LastPrice, owner)
	}
	fmt.Fprintln(c.out)

	if dryRun {
		fmt.Fprintln(c.out, "Dry run, no orders placed.")
		return 0, 0, nil
	}

	touched := make(map[uint]bool)
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		side := model.SideSell
		if p.Quantity < 0 {
			side = model.SideBuy
		}
		req := broker.OrderRequest{
			ClientOrderID: uuid.NewString(),
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      math.Abs(p.Quantity),
			Type:          broker.OrderMarket,
		}
		orderID, err := c.gateway.SubmitOrder(ctx, req)
		if err != nil {
			fmt.Fprintf(c.errOut, "  [FAIL] %s: %s: %v\n", p.Symbol, side, err)
			failed++
			continue
		}

		inst := owning(active, p)
		row := &storage.ExecutionOrder{
			OrderID:       orderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        symbol.Normalize(p.Symbol),
			TradedSymbol:  symbol.Normalize(p.Symbol),
			Side:          side,
			Quantity:      req.Quantity,
			Status:        model.OrderSubmitted,
		}
		if inst != nil {
			row.StrategyID = inst.StrategyID
			row.Symbol = inst.Symbol
		}
		if err := c.repo.CreateOrder(ctx, row); err != nil {
			fmt.Fprintf(c.errOut, "  [WARN] %s: record order: %v\n", p.Symbol, err)
		}

		if inst != nil {
			idle := model.InstanceContext{AssetClass: inst.Context.AssetClass}
			if _, err := c.store.Repair(ctx, inst.StrategyID, inst.Symbol, model.StateIdle, idle, "closeall"); err != nil {
				fmt.Fprintf(c.errOut, "  [FAIL] %s: reset instance: %v\n", p.Symbol, err)
				failed++
				continue
			}
			touched[inst.StrategyID] = true
		}

		fmt.Fprintf(c.out, "  [OK]   %s: %s %g, order %s\n", p.Symbol, side, req.Quantity, orderID)
		closed++
	}

	for id := range touched {
		if err := c.ledger.ResetUsedAmount(ctx, id); err != nil {
			fmt.Fprintf(c.errOut, "  [WARN] strategy %d: reset usage: %v\n", id, err)
		}
	}

	fmt.Fprintf(c.out, "\nDone: %d closed, %d failed.\n", closed, failed)
	return closed, failed, nil
}

func owning(active []storage.StrategyInstance, p broker.Position) *storage.StrategyInstance {
	for i := range active {
		inst := &active[i]
		if symbol.Matches(inst.Symbol, inst.Context.TradedSymbol, p.Symbol) {
			return inst
		}
	}
	return nil
}
