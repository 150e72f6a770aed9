package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/camuig/quant-trader/internal/ai"
	"github.com/camuig/quant-trader/internal/backfill"
	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/executor"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/jobs"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/market"
	"github.com/camuig/quant-trader/internal/moex"
	"github.com/camuig/quant-trader/internal/reconcile"
	"github.com/camuig/quant-trader/internal/scheduler"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/strategy"
	"github.com/camuig/quant-trader/internal/telegram"
	"github.com/camuig/quant-trader/internal/watchdog"
	"github.com/camuig/quant-trader/internal/web"
)

const newsTTL = 10 * time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Init logger
	log := logger.New(cfg.Logging.Level)

	mode := "LIVE"
	switch {
	case cfg.Broker.Mode == config.BrokerPaper:
		mode = "PAPER"
	case cfg.IsSandbox():
		mode = "SANDBOX"
	}
	log.Info("starting quant-trader", "mode", mode)

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Logger:          log,
			Tags:            map[string]string{"mode": mode},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			log.Error("profiler start failed", "error", err)
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	// Init database
	db, err := storage.Open(cfg.DatabaseOptions())
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	cal, err := market.New(cfg.CalendarOptions())
	if err != nil {
		log.Error("market calendar", "error", err)
		os.Exit(1)
	}

	// Context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init broker
	conn, err := broker.Connect(ctx, cfg, log)
	if err != nil {
		log.Error("broker init failed", "error", err)
		os.Exit(1)
	}

	// Core services
	notifier := telegram.NewNotifier(cfg, log)
	equity := ledger.NewEquityCache(conn, config.Duration(cfg.Ledger.EquityTTL), config.Duration(cfg.Ledger.EquityMinSpacing), log)
	led := ledger.New(db, equity, log)
	store := instance.NewStore(db, log)
	exec := executor.NewExecutor(conn, led, store, repo, notifier, log)

	// Evaluators
	registry := strategy.NewRegistry()
	if cfg.DeepSeek.APIKey != "" {
		advisor := ai.NewAdvisor(cfg, log)
		registry.Register("advisor", func(storage.Strategy) (strategy.Evaluator, error) { return advisor, nil })
	}
	log.Info("strategy types registered", "types", registry.Types())

	// Market data
	moexClient := moex.NewClient(log)
	var md strategy.MarketData = strategy.QuoteMarket{Quoter: conn}
	var tradable scheduler.TradableFilter
	if conn.Tinkoff != nil {
		md = conn.Tinkoff
		tradable = conn.Tinkoff
	}
	md = strategy.WithHeadlines(md, moex.NewNewsFeed(moexClient, newsTTL, log))

	sched := scheduler.NewScheduler(repo, store, led, exec, registry, md, cal, notifier, scheduler.OptionsFromConfig(cfg), log).
		WithPools(moexClient, tradable)
	dog := watchdog.NewWatchdog(store, exec, conn, cal, notifier, watchdog.OptionsFromConfig(cfg), log)
	rec := reconcile.NewReconciler(conn, repo, store, led, exec, notifier, reconcile.OptionsFromConfig(cfg), log)
	matcher := backfill.NewMatcher(repo, backfill.OptionsFromConfig(cfg), log)

	runner := jobs.NewRunner(ctx, rec, matcher, store, log)
	if err := runner.Register(jobs.SpecsFromConfig(cfg)); err != nil {
		log.Error("cron jobs", "error", err)
		os.Exit(1)
	}

	webServer := web.NewServer(led, store, repo, cfg, log)

	// Resume where the last run stopped before the first cycle.
	restored, err := store.RestoreRunning(ctx)
	if err != nil {
		log.Error("restore instances", "error", err)
		os.Exit(1)
	}
	if len(restored) > 0 {
		if _, err := rec.Run(ctx); err != nil {
			log.Warn("startup reconciliation", "error", err)
		}
	}

	go sched.Run(ctx)
	go dog.Run(ctx)
	runner.Start()

	// Start web server in goroutine
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus(fmt.Sprintf("🤖 quant-trader started (%s), %d open instance(s)", mode, len(restored)))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	cancel()
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	if err := conn.Close(); err != nil {
		log.Error("broker stop error", "error", err)
	}

	notifier.NotifyStatus("🛑 quant-trader stopped")
	log.Info("quant-trader stopped")
}
