package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/camuig/quant-trader/internal/backfill"
	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	window := flag.Int("window", 0, "match window in minutes (default from config)")
	dryRun := flag.Bool("dry-run", false, "report matches without writing links")
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

	opts := backfill.OptionsFromConfig(cfg)
	if *window > 0 {
		opts.Window = time.Duration(*window) * time.Minute
	}
	opts.DryRun = *dryRun

	res, err := backfill.NewMatcher(storage.NewRepository(db), opts, log).Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "backfill error: %v\n", err)
		os.Exit(1)
	}

	for _, l := range res.Links {
		fmt.Printf("  [LINK] order %s -> signal %d (%s, gap %s)\n", l.OrderID, l.SignalID, l.Direction, l.Gap)
	}
	for _, f := range res.Flags {
		fmt.Printf("  [FLAG] %s order=%q signal=%d candidates=%s\n", f.Direction, f.OrderID, f.SignalID, f.CandidateIDs)
	}

	r := res.Run
	fmt.Printf("\nOrders: %d scanned, %d linked, %d unmatched\n", r.OrdersScanned, r.OrdersLinked, r.OrdersUnmatched)
	fmt.Printf("Signals: %d scanned, %d linked, %d updated, %d unmatched\n", r.SignalsScanned, r.SignalsLinked, r.SignalsUpdated, r.SignalsUnmatched)
	fmt.Printf("Ambiguous: %d\n", r.Ambiguous)
	if r.DryRun {
		fmt.Println("Dry run, no links written.")
	}
}
