package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/storage"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("always-buy", func(s storage.Strategy) (Evaluator, error) {
		return EvaluatorFunc(func(ctx context.Context, in Input) (*model.TradingIntent, error) {
			return &model.TradingIntent{Action: model.ActionBuy, Symbol: in.Symbol, EntryPrice: in.Market.LastPrice}, nil
		}), nil
	})
	assert.Equal(t, []string{"always-buy", "hold"}, r.Types())

	hold, err := r.Build(storage.Strategy{Type: "hold"})
	require.NoError(t, err)
	intent, err := hold.Evaluate(context.Background(), Input{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Nil(t, intent)

	buy, err := r.Build(storage.Strategy{Type: "always-buy"})
	require.NoError(t, err)
	intent, err = buy.Evaluate(context.Background(), Input{Symbol: "AAPL", Market: model.MarketSnapshot{LastPrice: 12}})
	require.NoError(t, err)
	assert.Equal(t, 12.0, intent.EntryPrice)

	_, err = r.Build(storage.Strategy{Name: "x", Type: "nope"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

type quotes map[string]float64

func (q quotes) LastPrice(ctx context.Context, sym string) (float64, error) {
	if p, ok := q[sym]; ok {
		return p, nil
	}
	return 0, errors.New("no quote")
}

type news map[string][]string

func (n news) Headlines(ctx context.Context, sym string) []string { return n[sym] }

func TestQuoteMarketWithHeadlines(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	md := WithHeadlines(QuoteMarket{Quoter: quotes{"SBER": 270}, Now: func() time.Time { return at }}, news{"SBER": {"SBER raises dividend"}})

	snap, err := md.Snapshot(context.Background(), "SBER")
	require.NoError(t, err)
	assert.Equal(t, 270.0, snap.LastPrice)
	assert.Equal(t, at, snap.Time)
	assert.Equal(t, []string{"SBER raises dividend"}, snap.Headlines)

	_, err = md.Snapshot(context.Background(), "GAZP")
	assert.Error(t, err)
}
