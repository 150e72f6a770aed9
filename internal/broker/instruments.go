package broker

import (
	"fmt"
)

func (g *TinkoffGateway) resolveInstrumentUID(uid string) (string, error) {
	if cached, ok := g.instruments.Load(uid); ok {
		return cached.(string), nil
	}

	instruments := g.Client.NewInstrumentsServiceClient()
	resp, err := instruments.InstrumentByUid(uid)
	if err != nil {
		return "", fmt.Errorf("instrument by uid %s: %w", uid, classify(err))
	}

	ticker := resp.GetInstrument().GetTicker()
	g.remember(uid, ticker)
	return ticker, nil
}

// ResolveTickerToUID resolves a ticker to its instrument UID using the instruments service.
func (g *TinkoffGateway) ResolveTickerToUID(ticker string) (string, error) {
	if cached, ok := g.tickers.Load(ticker); ok {
		return cached.(string), nil
	}

	instruments := g.Client.NewInstrumentsServiceClient()
	resp, err := instruments.FindInstrument(ticker)
	if err != nil {
		return "", fmt.Errorf("find instrument %s: %w", ticker, classify(err))
	}

	for _, inst := range resp.GetInstruments() {
		if inst.GetTicker() == ticker {
			g.remember(inst.GetUid(), ticker)
			return inst.GetUid(), nil
		}
	}

	return "", fmt.Errorf("instrument not found: %s", ticker)
}

func (g *TinkoffGateway) remember(uid, ticker string) {
	g.instruments.Store(uid, ticker)
	g.tickers.Store(ticker, uid)
}
