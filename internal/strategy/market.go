package strategy

import (
	"context"
	"time"

	"github.com/camuig/quant-trader/internal/model"
)

// MarketData produces the snapshot handed to an evaluator.
type MarketData interface {
	Snapshot(ctx context.Context, symbol string) (model.MarketSnapshot, error)
}

// Quoter is satisfied by broker gateways that quote a last price.
type Quoter interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// QuoteMarket builds minimal snapshots from last prices. It backs paper mode,
// where no candle history exists.
type QuoteMarket struct {
	Quoter Quoter
	Now    func() time.Time
}

func (q QuoteMarket) Snapshot(ctx context.Context, symbol string) (model.MarketSnapshot, error) {
	price, err := q.Quoter.LastPrice(ctx, symbol)
	if err != nil {
		return model.MarketSnapshot{}, err
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	return model.MarketSnapshot{Symbol: symbol, LastPrice: price, Time: now()}, nil
}

// HeadlineSource returns recent news titles that mention a symbol.
type HeadlineSource interface {
	Headlines(ctx context.Context, symbol string) []string
}

// WithHeadlines decorates md so every snapshot carries the symbol's news.
func WithHeadlines(md MarketData, news HeadlineSource) MarketData {
	return headlineMarket{next: md, news: news}
}

type headlineMarket struct {
	next MarketData
	news HeadlineSource
}

func (h headlineMarket) Snapshot(ctx context.Context, symbol string) (model.MarketSnapshot, error) {
	snap, err := h.next.Snapshot(ctx, symbol)
	if err != nil {
		return snap, err
	}
	snap.Headlines = h.news.Headlines(ctx, symbol)
	return snap, nil
}
