package scheduler

import (
	"context"
	"fmt"
	"math"

	"github.com/camuig/quant-trader/internal/executor"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
	"github.com/camuig/quant-trader/internal/symbol"
)

// verdict is the outcome of validating an intent: the status its signal is
// closed with and why.
type verdict struct {
	status model.SignalStatus
	reason string
}

func ignore(format string, args ...any) *verdict {
	return &verdict{status: model.SignalIgnored, reason: fmt.Sprintf(format, args...)}
}

func reject(format string, args ...any) *verdict {
	return &verdict{status: model.SignalRejected, reason: fmt.Sprintf(format, args...)}
}

// act logs the intent as a PENDING signal, validates it and, when it
// survives, reserves capital and hands it to the executor.
func (s *Scheduler) act(ctx context.Context, st storage.Strategy, inst *storage.StrategyInstance, intent model.TradingIntent, log *logger.Logger) {
	side, ok := intent.Action.Side()
	if !ok {
		return
	}
	sym := inst.Symbol
	now := s.now()
	log = log.With("action", intent.Action)

	if intent.Action == model.ActionBuy && !s.calendar.InEntryWindow(now) {
		log.Debug("outside entry window, BUY dropped")
		return
	}

	sig := &storage.StrategySignal{
		CreatedAt:  now,
		StrategyID: st.ID,
		Symbol:     sym,
		SignalType: side,
		Price:      intent.OrderPrice(),
		Quantity:   intent.Quantity,
		Reason:     intent.Reason,
		Status:     model.SignalPending,
	}
	if err := s.repo.CreateSignal(ctx, sig); err != nil {
		log.Error("log signal", "error", err)
		return
	}
	log = log.With("signal", sig.ID)

	if v := s.validate(ctx, st, inst, intent, side); v != nil {
		s.dismiss(ctx, sig, v, log)
		return
	}

	key := recentKey{strategyID: st.ID, symbol: sym, side: side}
	if !s.recent.claim(key, now, s.opts.DuplicateWindow) {
		s.dismiss(ctx, sig, ignore("duplicate %s within %s", side, s.opts.DuplicateWindow), log)
		return
	}
	dup, err := s.repo.HasRecentOrder(ctx, st.ID, sym, side, now.Add(-s.opts.DuplicateWindow))
	if err != nil {
		s.recent.forget(key)
		log.Error("duplicate check", "error", err)
		s.dismiss(ctx, sig, reject("duplicate check failed: %v", err), log)
		return
	}
	if dup {
		s.dismiss(ctx, sig, ignore("order for %s already submitted within %s", side, s.opts.DuplicateWindow), log)
		return
	}

	var submitted bool
	if intent.Action == model.ActionBuy {
		submitted = s.open(ctx, st, sym, intent, sig, log)
	} else {
		submitted = s.closePosition(ctx, st, sym, intent, sig, log)
	}
	if !submitted {
		s.recent.forget(key)
	}
}

func (s *Scheduler) validate(ctx context.Context, st storage.Strategy, inst *storage.StrategyInstance, intent model.TradingIntent, side model.Side) *verdict {
	if err := intent.Validate(); err != nil {
		return reject("%v", err)
	}
	if symbol.Normalize(intent.Symbol) != inst.Symbol {
		return reject("intent for %s evaluated on %s", intent.Symbol, inst.Symbol)
	}

	switch side {
	case model.SideBuy:
		if inst.State != model.StateIdle {
			return ignore("BUY while %s", inst.State)
		}
		last, err := s.repo.LastExecutedSell(ctx, st.ID, inst.Symbol, s.now().Add(-s.opts.RebuyGuardWindow))
		if err != nil {
			return reject("rebuy check failed: %v", err)
		}
		if last != nil && last.Price > 0 && intent.EntryPrice > last.Price {
			return reject("BUY at %.4f above last SELL at %.4f", intent.EntryPrice, last.Price)
		}
	case model.SideSell:
		if inst.State != model.StateHolding || inst.Context.Quantity <= 0 {
			return reject("SELL without a position (state %s)", inst.State)
		}
	}
	return nil
}

// open sizes the entry, reserves capital and submits it.
func (s *Scheduler) open(ctx context.Context, st storage.Strategy, sym string, intent model.TradingIntent, sig *storage.StrategySignal, log *logger.Logger) bool {
	unit := intent.EntryPrice * intent.Multiplier()
	qty := intent.Quantity
	if qty <= 0 {
		headroom, err := s.ledger.Headroom(ctx, st.ID, intent.Traded())
		if err != nil {
			s.dismiss(ctx, sig, reject("capital check failed: %v", err), log)
			return false
		}
		qty = math.Floor(headroom / unit)
		if qty < 1 {
			s.dismiss(ctx, sig, reject("insufficient capital: headroom %.2f below one unit at %.2f", headroom, unit), log)
			return false
		}
	}
	amount := qty * unit

	res, err := s.ledger.RequestAllocation(ctx, st.ID, amount, intent.Traded())
	if err != nil {
		log.Error("request allocation", "error", err)
		s.dismiss(ctx, sig, reject("allocation failed: %v", err), log)
		return false
	}
	if !res.Approved {
		s.dismiss(ctx, sig, reject("allocation denied: %s", res.Reason), log)
		return false
	}

	order, err := s.executor.Open(ctx, executor.OpenRequest{
		StrategyID: st.ID,
		Symbol:     sym,
		Intent:     intent,
		Quantity:   qty,
		Amount:     res.Amount,
		SignalID:   sig.ID,
	})
	if err != nil {
		log.Error("open position", "error", err)
		return order != nil
	}
	log.Info("entry submitted", "qty", qty, "amount", res.Amount, "order_id", order.OrderID, "status", order.Status)
	return true
}

func (s *Scheduler) closePosition(ctx context.Context, st storage.Strategy, sym string, intent model.TradingIntent, sig *storage.StrategySignal, log *logger.Logger) bool {
	order, err := s.executor.Close(ctx, executor.CloseRequest{
		StrategyID: st.ID,
		Symbol:     sym,
		Price:      intent.OrderPrice(),
		Reason:     intent.Reason,
		SignalID:   sig.ID,
	})
	if err != nil {
		log.Error("close position", "error", err)
		return order != nil
	}
	log.Info("exit submitted", "order_id", order.OrderID, "status", order.Status)
	return true
}

func (s *Scheduler) dismiss(ctx context.Context, sig *storage.StrategySignal, v *verdict, log *logger.Logger) {
	log.Info("signal not acted on", "status", v.status, "reason", v.reason)
	if err := s.repo.UpdateSignalStatus(ctx, sig.ID, v.status); err != nil {
		log.Error("update signal", "error", err)
	}
}
