// Package jobs runs the periodic maintenance tasks on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/camuig/quant-trader/internal/backfill"
	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/reconcile"
)

type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

type Backfiller interface {
	Run(ctx context.Context) (*backfill.Result, error)
}

type Cleaner interface {
	CleanupStopped(ctx context.Context) (int64, error)
}

// Specs are six-field cron expressions (with seconds).
type Specs struct {
	Reconcile string
	Backfill  string
	Cleanup   string
}

func SpecsFromConfig(cfg *config.Config) Specs {
	return Specs{
		Reconcile: cfg.Reconciler.Cron,
		Backfill:  cfg.Backfill.Cron,
		Cleanup:   cfg.Scheduler.CleanupCron,
	}
}

type Runner struct {
	cron       *cron.Cron
	ctx        context.Context
	reconciler Reconciler
	backfiller Backfiller
	cleaner    Cleaner
	logger     *logger.Logger
}

// NewRunner builds a runner whose jobs use ctx. A nil backfiller leaves the
// backfill job unregistered.
func NewRunner(ctx context.Context, rec Reconciler, bf Backfiller, cleaner Cleaner, log *logger.Logger) *Runner {
	cl := cronLogger{log}
	return &Runner{
		cron:       cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:        ctx,
		reconciler: rec,
		backfiller: bf,
		cleaner:    cleaner,
		logger:     log,
	}
}

func (r *Runner) Register(specs Specs) error {
	if _, err := r.cron.AddFunc(specs.Reconcile, r.Reconcile); err != nil {
		return fmt.Errorf("register reconcile job: %w", err)
	}
	if r.backfiller != nil {
		if _, err := r.cron.AddFunc(specs.Backfill, r.Backfill); err != nil {
			return fmt.Errorf("register backfill job: %w", err)
		}
	}
	if _, err := r.cron.AddFunc(specs.Cleanup, r.Cleanup); err != nil {
		return fmt.Errorf("register cleanup job: %w", err)
	}
	return nil
}

func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("cron jobs started", "entries", len(r.cron.Entries()))
}

// Stop stops scheduling and waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("cron jobs stopped")
}

func (r *Runner) Reconcile() {
	rep, err := r.reconciler.Run(r.ctx)
	switch {
	case errors.Is(err, reconcile.ErrSyncInProgress):
		r.logger.Info("reconciliation still running, tick skipped")
	case err != nil:
		r.logger.Error("reconciliation failed", "error", err)
	default:
		r.logger.Debug("reconciliation tick done", "findings", len(rep.Findings))
	}
}

func (r *Runner) Backfill() {
	if _, err := r.backfiller.Run(r.ctx); err != nil {
		r.logger.Error("backfill failed", "error", err)
	}
}

func (r *Runner) Cleanup() {
	n, err := r.cleaner.CleanupStopped(r.ctx)
	if err != nil {
		r.logger.Error("cleanup stopped strategies", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("idle instances of stopped strategies removed", "count", n)
	}
}

// cronLogger routes robfig/cron messages through the application logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
