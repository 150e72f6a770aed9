package broker

import (
	"context"
	"fmt"

	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
)

// account is one portfolio read: total value and non-currency holdings.
type account struct {
	equity    float64
	positions []Position
}

type portfolioResponse interface {
	GetTotalAmountPortfolio() *pb.MoneyValue
	GetPositions() []*pb.PortfolioPosition
}

func (g *TinkoffGateway) portfolio() (portfolioResponse, error) {
	accountID := g.AccountID()
	currency := pb.PortfolioRequest_RUB

	if g.sandbox {
		r, err := g.Client.NewSandboxServiceClient().GetSandboxPortfolio(accountID, currency)
		if err != nil {
			return nil, fmt.Errorf("get sandbox portfolio: %w", classify(err))
		}
		return r.PortfolioResponse, nil
	}
	r, err := g.Client.NewOperationsServiceClient().GetPortfolio(accountID, currency)
	if err != nil {
		return nil, fmt.Errorf("get portfolio: %w", classify(err))
	}
	return r.PortfolioResponse, nil
}

func (g *TinkoffGateway) account() (*account, error) {
	resp, err := g.portfolio()
	if err != nil {
		return nil, err
	}

	acc := &account{}
	if total := resp.GetTotalAmountPortfolio(); total != nil {
		acc.equity = total.ToFloat()
	}

	for _, pos := range resp.GetPositions() {
		if pos.GetInstrumentType() == "currency" {
			continue
		}
		uid := pos.GetInstrumentUid()
		p := Position{Symbol: uid, Multiplier: 1}
		// Positions the instrument cache cannot name keep the UID, so the
		// reconciler still sees them as unowned exposure.
		if ticker, err := g.resolveInstrumentUID(uid); err == nil && ticker != "" {
			p.Symbol = ticker
		}
		if q := pos.GetQuantity(); q != nil {
			p.Quantity = q.ToFloat()
		}
		if ap := pos.GetAveragePositionPrice(); ap != nil {
			p.AvgCost = ap.ToFloat()
		}
		if cp := pos.GetCurrentPrice(); cp != nil {
			p.LastPrice = cp.ToFloat()
		}
		acc.positions = append(acc.positions, p)
	}
	return acc, nil
}

func (g *TinkoffGateway) GetEquity(ctx context.Context) (float64, error) {
	acc, err := g.account()
	if err != nil {
		return 0, err
	}
	return acc.equity, nil
}

func (g *TinkoffGateway) GetPositions(ctx context.Context) ([]Position, error) {
	acc, err := g.account()
	if err != nil {
		return nil, err
	}
	return acc.positions, nil
}
