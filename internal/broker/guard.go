package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
)

type GuardOptions struct {
	CallTimeout time.Duration
	Attempts    int
	Backoff     time.Duration
	Throttle    *Throttle
}

// Guard wraps a Gateway with throttling, per-call timeouts and bounded
// retries of transient failures. SubmitOrder is resent with the same
// ClientOrderID, so a retry never creates a second order at a well-behaved
// broker.
type Guard struct {
	next   Gateway
	opt    GuardOptions
	logger *logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewGuard(next Gateway, opt GuardOptions, log *logger.Logger) *Guard {
	if opt.Attempts <= 0 {
		opt.Attempts = 1
	}
	if opt.CallTimeout <= 0 {
		opt.CallTimeout = 10 * time.Second
	}
	return &Guard{next: next, opt: opt, logger: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Guard) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= g.opt.Attempts; attempt++ {
		if attempt > 1 {
			backoff := g.opt.Backoff * time.Duration(1<<(attempt-2))
			if serr := g.sleep(ctx, backoff); serr != nil {
				return serr
			}
		}

		if err = g.opt.Throttle.Wait(ctx); err == nil {
			callCtx, cancel := context.WithTimeout(ctx, g.opt.CallTimeout)
			err = fn(callCtx)
			cancel()
			if err == nil {
				return nil
			}
		}

		if ctx.Err() != nil {
			return err
		}
		if !IsRetryable(err) {
			return err
		}
		g.logger.Warn("broker call failed", "op", op, "attempt", attempt, "of", g.opt.Attempts, "error", err)
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, g.opt.Attempts, err)
}

func (g *Guard) GetEquity(ctx context.Context) (float64, error) {
	var equity float64
	err := g.do(ctx, "get equity", func(ctx context.Context) error {
		var err error
		equity, err = g.next.GetEquity(ctx)
		return err
	})
	return equity, err
}

func (g *Guard) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	err := g.do(ctx, "get positions", func(ctx context.Context) error {
		var err error
		positions, err = g.next.GetPositions(ctx)
		return err
	})
	return positions, err
}

func (g *Guard) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return "", fmt.Errorf("submit order: client order id is required")
	}
	var orderID string
	err := g.do(ctx, "submit order", func(ctx context.Context) error {
		var err error
		orderID, err = g.next.SubmitOrder(ctx, req)
		return err
	})
	return orderID, err
}

func (g *Guard) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	var status model.OrderStatus
	err := g.do(ctx, "get order status", func(ctx context.Context) error {
		var err error
		status, err = g.next.GetOrderStatus(ctx, orderID)
		return err
	})
	return status, err
}

func (g *Guard) CancelOrder(ctx context.Context, orderID string) error {
	return g.do(ctx, "cancel order", func(ctx context.Context) error {
		return g.next.CancelOrder(ctx, orderID)
	})
}

// LastPrice quotes through the wrapped gateway when it can quote.
func (g *Guard) LastPrice(ctx context.Context, symbol string) (float64, error) {
	q, ok := g.next.(Quoter)
	if !ok {
		return 0, ErrUnsupported
	}
	var price float64
	err := g.do(ctx, "last price", func(ctx context.Context) error {
		var err error
		price, err = q.LastPrice(ctx, symbol)
		return err
	})
	return price, err
}

// OrderFill asks the wrapped gateway for the executed quantity of an order.
func (g *Guard) OrderFill(ctx context.Context, orderID string) (Fill, error) {
	fr, ok := g.next.(FillReporter)
	if !ok {
		return Fill{}, ErrUnsupported
	}
	var fill Fill
	err := g.do(ctx, "order fill", func(ctx context.Context) error {
		var err error
		fill, err = fr.OrderFill(ctx, orderID)
		return err
	})
	return fill, err
}

// Pressure exposes the throttle's hourly budget usage for status reporting.
func (g *Guard) Pressure() float64 {
	return g.opt.Throttle.Pressure()
}
