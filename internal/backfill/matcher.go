// Package backfill re-links broker orders to the signals that caused them
// when the link was lost.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
)

const (
	OrderToSignal = "order_to_signal"
	SignalToOrder = "signal_to_order"
)

type Options struct {
	Window    time.Duration
	Ambiguity time.Duration
	DryRun    bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Window: cfg.BackfillWindow(), Ambiguity: cfg.BackfillAmbiguity()}
}

// Link is one order/signal pair the matcher chose.
type Link struct {
	OrderID   string
	SignalID  uint
	Direction string
	Gap       time.Duration
}

type Result struct {
	Run   storage.BackfillRun
	Links []Link
	Flags []storage.BackfillFlag
}

type Matcher struct {
	repo   *storage.Repository
	opts   Options
	logger *logger.Logger
	now    func() time.Time
}

func NewMatcher(repo *storage.Repository, opts Options, log *logger.Logger) *Matcher {
	return &Matcher{repo: repo, opts: opts, logger: log, now: time.Now}
}

func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now
	return m
}

type groupKey struct {
	strategyID uint
	symbol     string
	side       model.Side
}

// run carries the working set of one pass over the records.
type run struct {
	orders  []storage.ExecutionOrder
	signals map[groupKey][]*storage.StrategySignal
	taken   map[uint]bool // signal ids linked or flagged
	settled map[uint]bool // order row ids linked or flagged
	result  *Result
}

// Run links unlinked orders to PENDING signals, then remaining PENDING or
// EXECUTED signals to orders still unlinked. Near-ties are flagged for
// review instead of linked. In dry-run mode only the run summary is stored.
func (m *Matcher) Run(ctx context.Context) (*Result, error) {
	orders, err := m.repo.UnlinkedOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load unlinked orders: %w", err)
	}
	pending, err := m.repo.UnlinkedSignals(ctx, model.SignalPending)
	if err != nil {
		return nil, fmt.Errorf("load pending signals: %w", err)
	}

	res := &Result{Run: storage.BackfillRun{
		CreatedAt:     m.now(),
		DryRun:        m.opts.DryRun,
		WindowMinutes: int(m.opts.Window / time.Minute),
	}}
	r := &run{
		orders:  orders,
		signals: group(pending),
		taken:   make(map[uint]bool),
		settled: make(map[uint]bool),
		result:  res,
	}
	if err := m.underReview(ctx, r); err != nil {
		return nil, err
	}

	m.forward(ctx, r)

	leftover, err := m.repo.UnlinkedSignals(ctx, model.SignalPending, model.SignalExecuted)
	if err != nil {
		return nil, fmt.Errorf("load unlinked signals: %w", err)
	}
	m.reverse(ctx, r, leftover)

	for _, o := range orders {
		if !r.settled[o.ID] {
			res.Run.OrdersUnmatched++
		}
	}

	if err := m.repo.SaveBackfillRun(ctx, &res.Run, m.storedFlags(res)); err != nil {
		return res, fmt.Errorf("save backfill run: %w", err)
	}

	m.logger.Info("backfill finished",
		"dry_run", m.opts.DryRun,
		"orders_scanned", res.Run.OrdersScanned,
		"orders_linked", res.Run.OrdersLinked,
		"signals_scanned", res.Run.SignalsScanned,
		"signals_linked", res.Run.SignalsLinked,
		"signals_updated", res.Run.SignalsUpdated,
		"ambiguous", res.Run.Ambiguous)
	return res, nil
}

// underReview marks the orders and signals of unresolved flags as claimed so
// a later run does not flag them again.
func (m *Matcher) underReview(ctx context.Context, r *run) error {
	flags, err := m.repo.UnresolvedBackfillFlags(ctx)
	if err != nil {
		return fmt.Errorf("load open flags: %w", err)
	}
	rows := make(map[string]uint, len(r.orders))
	for _, o := range r.orders {
		rows[o.OrderID] = o.ID
	}
	for _, f := range flags {
		switch f.Direction {
		case OrderToSignal:
			if id, ok := rows[f.OrderID]; ok {
				r.settled[id] = true
			}
			for _, id := range candidateIDs(f.CandidateIDs) {
				r.taken[id] = true
			}
		case SignalToOrder:
			r.taken[f.SignalID] = true
			for _, id := range candidateIDs(f.CandidateIDs) {
				r.settled[id] = true
			}
		}
	}
	return nil
}

func candidateIDs(list string) []uint {
	var out []uint
	for _, part := range strings.Split(list, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err == nil {
			out = append(out, uint(id))
		}
	}
	return out
}

func (m *Matcher) storedFlags(res *Result) []storage.BackfillFlag {
	if m.opts.DryRun {
		return nil
	}
	return res.Flags
}

func group(signals []storage.StrategySignal) map[groupKey][]*storage.StrategySignal {
	out := make(map[groupKey][]*storage.StrategySignal)
	for i := range signals {
		s := &signals[i]
		k := groupKey{s.StrategyID, s.Symbol, s.SignalType}
		out[k] = append(out[k], s)
	}
	return out
}

// candidate is a record within the window, ranked by class then gap.
type candidate struct {
	id    uint
	class int
	gap   time.Duration
}

// pick returns the best candidate, or ok=false with the tied set when the
// runner-up in the same class is within the ambiguity tolerance.
func (m *Matcher) pick(cands []candidate) (best candidate, tied []candidate, ok bool) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].class != cands[j].class {
			return cands[i].class < cands[j].class
		}
		return cands[i].gap < cands[j].gap
	})
	best = cands[0]
	for _, c := range cands[1:] {
		if c.class == best.class && c.gap-best.gap <= m.opts.Ambiguity {
			tied = append(tied, c)
		}
	}
	if len(tied) > 0 {
		return best, append([]candidate{best}, tied...), false
	}
	return best, nil, true
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// forward matches each unlinked order to a PENDING signal, preferring
// signals created at or before the order.
func (m *Matcher) forward(ctx context.Context, r *run) {
	for i := range r.orders {
		o := &r.orders[i]
		if r.settled[o.ID] {
			continue
		}
		r.result.Run.OrdersScanned++

		var cands []candidate
		for _, s := range r.signals[groupKey{o.StrategyID, o.Symbol, o.Side}] {
			if r.taken[s.ID] {
				continue
			}
			d := o.CreatedAt.Sub(s.CreatedAt)
			if abs(d) > m.opts.Window {
				continue
			}
			class := 0
			if d < 0 {
				class = 1
			}
			cands = append(cands, candidate{id: s.ID, class: class, gap: abs(d)})
		}
		if len(cands) == 0 {
			continue
		}

		best, tied, ok := m.pick(cands)
		if !ok {
			r.settled[o.ID] = true
			for _, c := range tied {
				r.taken[c.id] = true
			}
			m.flag(r, storage.BackfillFlag{Direction: OrderToSignal, OrderID: o.OrderID}, tied)
			continue
		}

		if m.link(ctx, r, o, best.id, model.SignalPending, OrderToSignal, best.gap) {
			r.result.Run.OrdersLinked++
		}
	}
}

// reverse matches each leftover signal to an order nobody claimed,
// preferring orders created at or after the signal.
func (m *Matcher) reverse(ctx context.Context, r *run, signals []storage.StrategySignal) {
	for i := range signals {
		s := &signals[i]
		if r.taken[s.ID] {
			continue
		}
		r.result.Run.SignalsScanned++

		var cands []candidate
		for j := range r.orders {
			o := &r.orders[j]
			if r.settled[o.ID] || o.StrategyID != s.StrategyID || o.Symbol != s.Symbol || o.Side != s.SignalType {
				continue
			}
			d := o.CreatedAt.Sub(s.CreatedAt)
			if abs(d) > m.opts.Window {
				continue
			}
			class := 0
			if d < 0 {
				class = 1
			}
			cands = append(cands, candidate{id: o.ID, class: class, gap: abs(d)})
		}
		if len(cands) == 0 {
			r.result.Run.SignalsUnmatched++
			continue
		}

		best, tied, ok := m.pick(cands)
		if !ok {
			r.taken[s.ID] = true
			for _, c := range tied {
				r.settled[c.id] = true
			}
			m.flag(r, storage.BackfillFlag{Direction: SignalToOrder, SignalID: s.ID}, tied)
			continue
		}

		o := r.orderByRow(best.id)
		if m.link(ctx, r, o, s.ID, s.Status, SignalToOrder, best.gap) {
			r.result.Run.SignalsLinked++
		} else {
			r.result.Run.SignalsUnmatched++
		}
	}
}

func (r *run) orderByRow(id uint) *storage.ExecutionOrder {
	for i := range r.orders {
		if r.orders[i].ID == id {
			return &r.orders[i]
		}
	}
	return nil
}

// link records o -> signal and moves the signal to the status the order's
// outcome implies. It reports whether the link was made (or would be, in
// dry-run mode).
func (m *Matcher) link(ctx context.Context, r *run, o *storage.ExecutionOrder, signalID uint, current model.SignalStatus, direction string, gap time.Duration) bool {
	status, known := model.SignalStatusFor(o.Status)
	if !known || status == current {
		status = ""
	}

	if !m.opts.DryRun {
		if err := m.repo.LinkOrderSignal(ctx, o.ID, signalID, status); err != nil {
			m.logger.Warn("link order to signal", "order_id", o.OrderID, "signal", signalID, "error", err)
			return false
		}
	}

	r.settled[o.ID] = true
	r.taken[signalID] = true
	if status != "" {
		r.result.Run.SignalsUpdated++
	}
	r.result.Links = append(r.result.Links, Link{OrderID: o.OrderID, SignalID: signalID, Direction: direction, Gap: gap})
	m.logger.Debug("order linked to signal",
		"order_id", o.OrderID, "signal", signalID, "direction", direction, "gap", gap.String(), "signal_status", status)
	return true
}

func (m *Matcher) flag(r *run, f storage.BackfillFlag, tied []candidate) {
	ids := make([]string, len(tied))
	for i, c := range tied {
		ids[i] = strconv.FormatUint(uint64(c.id), 10)
	}
	f.CandidateIDs = strings.Join(ids, ",")
	f.CreatedAt = m.now()
	r.result.Flags = append(r.result.Flags, f)
	r.result.Run.Ambiguous++
	m.logger.Warn("ambiguous backfill match, flagged for review",
		"direction", f.Direction, "order_id", f.OrderID, "signal", f.SignalID, "candidates", f.CandidateIDs)
}
