// Package reconcile compares the bookkeeping (instance states and ledger
// usage) with the broker's positions and repairs the drift it finds.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/quant-trader/internal/broker"
	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/executor"
	"github.com/camuig/quant-trader/internal/instance"
	"github.com/camuig/quant-trader/internal/ledger"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
)

var ErrSyncInProgress = errors.New("reconciliation already in progress")

// Notifier is the subset of telegram.Notifier used for ERROR findings.
type Notifier interface {
	NotifyDiscrepancy(kind string, severity model.Severity, detail string)
}

// Thresholds grade usage drift. A difference above max(BasePct*ceiling,
// BaseAbs) is a WARNING, above max(ErrorPct*ceiling, ErrorAbs) an ERROR that
// gets corrected.
type Thresholds struct {
	BasePct  float64
	BaseAbs  float64
	ErrorPct float64
	ErrorAbs float64
}

type Options struct {
	Thresholds
	AutoFlattenShorts bool
	// SubmitGrace is how long an instance may wait for its order id before
	// a pass treats the submission as lost.
	SubmitGrace time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Thresholds: Thresholds{
			BasePct:  cfg.Reconciler.BasePct,
			BaseAbs:  cfg.Reconciler.BaseAbs,
			ErrorPct: cfg.Reconciler.ErrorPct,
			ErrorAbs: cfg.Reconciler.ErrorAbs,
		},
		AutoFlattenShorts: cfg.Reconciler.AutoFlattenShorts == nil || *cfg.Reconciler.AutoFlattenShorts,
		SubmitGrace:       config.Duration(cfg.Reconciler.SubmitGrace),
	}
}

// Report summarizes one reconciliation pass.
type Report struct {
	StartedAt     time.Time                   `json:"started_at"`
	Duration      time.Duration               `json:"duration"`
	OrdersSettled int                         `json:"orders_settled"`
	Repaired      int                         `json:"repaired"`
	Corrected     int                         `json:"corrected"`
	Flattened     int                         `json:"flattened"`
	Findings      []storage.DiscrepancyReport `json:"findings"`
}

type Reconciler struct {
	gateway  broker.Gateway
	repo     *storage.Repository
	store    *instance.Store
	ledger   *ledger.Ledger
	executor *executor.Executor
	notifier Notifier
	opts     Options
	logger   *logger.Logger
	now      func() time.Time

	mu sync.Mutex
}

func NewReconciler(
	gw broker.Gateway,
	repo *storage.Repository,
	store *instance.Store,
	l *ledger.Ledger,
	exec *executor.Executor,
	notifier Notifier,
	opts Options,
	log *logger.Logger,
) *Reconciler {
	return &Reconciler{
		gateway:  gw,
		repo:     repo,
		store:    store,
		ledger:   l,
		executor: exec,
		notifier: notifier,
		opts:     opts,
		logger:   log,
		now:      time.Now,
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Run performs one pass. A pass already in progress makes it return
// ErrSyncInProgress immediately.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer r.mu.Unlock()

	rep := &Report{StartedAt: r.now()}
	defer func() { rep.Duration = r.now().Sub(rep.StartedAt) }()

	settled, err := r.executor.SettlePending(ctx)
	if err != nil {
		r.logger.Error("refresh pending orders", "error", err)
	}
	rep.OrdersSettled = settled

	positions, err := r.gateway.GetPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("broker positions: %w", err)
	}
	pending, err := r.repo.PendingOrders(ctx)
	if err != nil {
		return rep, fmt.Errorf("pending orders: %w", err)
	}

	if err := r.repairInstances(ctx, positions, pending, rep); err != nil {
		return rep, err
	}
	if err := r.checkUsage(ctx, positions, rep); err != nil {
		return rep, err
	}
	r.flattenShorts(ctx, positions, pending, rep)

	r.logger.Info("reconciliation finished",
		"settled", rep.OrdersSettled, "repaired", rep.Repaired, "corrected", rep.Corrected,
		"flattened", rep.Flattened, "findings", len(rep.Findings))
	return rep, nil
}

// record persists a finding and escalates ERRORs.
func (r *Reconciler) record(ctx context.Context, rep *Report, d storage.DiscrepancyReport) {
	d.CreatedAt = r.now()
	if err := r.repo.SaveDiscrepancy(ctx, &d); err != nil {
		r.logger.Error("save discrepancy", "kind", d.Kind, "error", err)
	}
	rep.Findings = append(rep.Findings, d)

	if d.Corrected {
		r.logger.Audit(d.Severity == model.SeverityError, "discrepancy corrected",
			"kind", d.Kind, "strategy", d.StrategyID, "symbol", d.Symbol, "note", d.Note)
	} else {
		r.logger.Warn("discrepancy found", "kind", d.Kind, "severity", d.Severity,
			"strategy", d.StrategyID, "symbol", d.Symbol, "note", d.Note)
	}
	if d.Severity == model.SeverityError {
		r.notifier.NotifyDiscrepancy(d.Kind, d.Severity, d.Note)
	}
}
