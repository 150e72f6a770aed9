package moex

import (
	"context"
	"net/url"
)

// MarketTicker is one board security with today's turnover.
type MarketTicker struct {
	Ticker    string  `json:"ticker"`
	ValToday  float64 `json:"val_today"`
	LastPrice float64 `json:"last_price"`
}

type issMarketData struct {
	Marketdata issTable `json:"marketdata"`
}

// FetchTopTickers returns up to limit board securities ordered by today's
// turnover. Suspended securities (no last price) are skipped.
func (c *Client) FetchTopTickers(ctx context.Context, limit int) ([]MarketTicker, error) {
	q := url.Values{}
	q.Set("iss.meta", "off")
	q.Set("iss.only", "marketdata")
	q.Set("marketdata.columns", "SECID,VALTODAY,LAST")
	q.Set("sort_column", "VALTODAY")
	q.Set("sort_order", "desc")

	var iss issMarketData
	if err := c.getJSON(ctx, "/engines/stock/markets/shares/boards/"+c.board+"/securities.json", q, &iss); err != nil {
		return nil, err
	}
	idx, err := iss.Marketdata.index("SECID", "VALTODAY", "LAST")
	if err != nil {
		return nil, err
	}

	var result []MarketTicker
	for _, row := range iss.Marketdata.Data {
		if len(row) < len(iss.Marketdata.Columns) {
			continue
		}
		ticker, _ := row[idx["SECID"]].(string)
		if ticker == "" {
			continue
		}
		last := toFloat64(row[idx["LAST"]])
		if last == 0 {
			continue
		}
		result = append(result, MarketTicker{
			Ticker:    ticker,
			ValToday:  toFloat64(row[idx["VALTODAY"]]),
			LastPrice: last,
		})
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	c.logger.Debug("top tickers fetched", "board", c.board, "count", len(result), "limit", limit)
	return result, nil
}

// TopSymbols resolves a top_volume pool to ticker symbols.
func (c *Client) TopSymbols(ctx context.Context, limit int) ([]string, error) {
	tickers, err := c.FetchTopTickers(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(tickers))
	for i, t := range tickers {
		out[i] = t.Ticker
	}
	return out, nil
}
