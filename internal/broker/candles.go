package broker

import (
	"context"
	"fmt"
	"time"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/quant-trader/internal/model"
)

// Snapshot builds a market snapshot for ticker from a week of hourly candles.
func (g *TinkoffGateway) Snapshot(ctx context.Context, ticker string) (model.MarketSnapshot, error) {
	uid, err := g.ResolveTickerToUID(ticker)
	if err != nil {
		return model.MarketSnapshot{}, err
	}

	now := time.Now()
	from := now.Add(-7 * 24 * time.Hour)

	md := g.Client.NewMarketDataServiceClient()
	resp, err := md.GetCandles(
		uid,
		pb.CandleInterval_CANDLE_INTERVAL_HOUR,
		from, now,
		pb.GetCandlesRequest_CANDLE_SOURCE_EXCHANGE,
		0,
	)
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("candles %s: %w", ticker, classify(err))
	}

	candles := resp.GetCandles()
	if len(candles) == 0 {
		return model.MarketSnapshot{}, fmt.Errorf("no candles for %s", ticker)
	}

	last := findCloseAtOffset(candles, now, 0)
	return model.MarketSnapshot{
		Symbol:    ticker,
		LastPrice: last,
		Volume:    sumVolume24h(candles, now),
		Features: map[string]float64{
			"change_3h": pctChange(findCloseAtOffset(candles, now, 3*time.Hour), last),
			"change_1d": pctChange(findCloseAtOffset(candles, now, 24*time.Hour), last),
			"change_3d": pctChange(findCloseAtOffset(candles, now, 3*24*time.Hour), last),
			"change_1w": pctChange(findCloseAtOffset(candles, now, 7*24*time.Hour), last),
		},
		Time: now,
	}, nil
}

// LastPrice quotes the close of the most recent hourly candle.
func (g *TinkoffGateway) LastPrice(ctx context.Context, ticker string) (float64, error) {
	snap, err := g.Snapshot(ctx, ticker)
	if err != nil {
		return 0, err
	}
	return snap.LastPrice, nil
}

// findCloseAtOffset finds the close price of the candle closest to (now - offset).
func findCloseAtOffset(candles []*pb.HistoricCandle, now time.Time, offset time.Duration) float64 {
	target := now.Add(-offset)
	var bestCandle *pb.HistoricCandle
	var bestDiff time.Duration

	for _, c := range candles {
		t := c.GetTime().AsTime()
		diff := absDuration(t.Sub(target))
		if bestCandle == nil || diff < bestDiff {
			bestCandle = c
			bestDiff = diff
		}
	}

	if bestCandle == nil {
		return 0
	}
	return bestCandle.GetClose().ToFloat()
}

func sumVolume24h(candles []*pb.HistoricCandle, now time.Time) float64 {
	cutoff := now.Add(-24 * time.Hour)
	var total float64
	for _, c := range candles {
		if c.GetTime().AsTime().After(cutoff) {
			total += float64(c.GetVolume())
		}
	}
	return total
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

// FilterTradable keeps the tickers currently open for API market orders.
func (g *TinkoffGateway) FilterTradable(ctx context.Context, tickers []string) ([]string, error) {
	if len(tickers) == 0 {
		return nil, nil
	}

	uids := make([]string, 0, len(tickers))
	uidToTicker := make(map[string]string, len(tickers))
	for _, t := range tickers {
		uid, err := g.ResolveTickerToUID(t)
		if err != nil {
			g.logger.Debug("resolve ticker failed, skipping", "ticker", t, "error", err)
			continue
		}
		uids = append(uids, uid)
		uidToTicker[uid] = t
	}

	md := g.Client.NewMarketDataServiceClient()
	resp, err := md.GetTradingStatuses(uids)
	if err != nil {
		return nil, classify(err)
	}

	var out []string
	for _, s := range resp.GetTradingStatuses() {
		if s.GetApiTradeAvailableFlag() && s.GetMarketOrderAvailableFlag() {
			out = append(out, uidToTicker[s.GetInstrumentUid()])
		}
	}
	return out, nil
}
