package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"

	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/logger"
)

const (
	sandboxEndpoint = "sandbox-invest-public-api.tinkoff.ru:443"
	liveEndpoint    = "invest-public-api.tinkoff.ru:443"
)

// TinkoffGateway is the live Gateway over the T-Invest API.
type TinkoffGateway struct {
	Client  *investgo.Client
	sandbox bool
	logger  *logger.Logger

	instruments sync.Map // instrumentUID -> ticker
	tickers     sync.Map // ticker -> instrumentUID
	orders      sync.Map // orderID -> model.OrderStatus
	fills       sync.Map // orderID -> Fill
}

func NewTinkoffGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) (*TinkoffGateway, error) {
	endpoint := cfg.Broker.Endpoint
	if endpoint == "" {
		endpoint = liveEndpoint
		if cfg.IsSandbox() {
			endpoint = sandboxEndpoint
		}
	}

	investCfg := investgo.Config{
		EndPoint:  endpoint,
		Token:     cfg.Broker.Token,
		AccountId: cfg.Broker.AccountID,
		AppName:   "quant-trader",
	}

	client, err := investgo.NewClient(ctx, investCfg, log)
	if err != nil {
		return nil, fmt.Errorf("create investgo client: %w", err)
	}

	g := &TinkoffGateway{
		Client:  client,
		sandbox: cfg.IsSandbox(),
		logger:  log,
	}

	if g.sandbox && cfg.Broker.AccountID == "" {
		if err := g.setupSandbox(cfg.Broker.PaperCash); err != nil {
			return nil, fmt.Errorf("setup sandbox: %w", err)
		}
	}

	return g, nil
}

func (g *TinkoffGateway) setupSandbox(cash float64) error {
	sandbox := g.Client.NewSandboxServiceClient()

	_, err := sandbox.SandboxPayIn(&investgo.SandboxPayInRequest{
		AccountId: g.Client.Config.AccountId,
		Currency:  "RUB",
		Unit:      int64(cash),
		Nano:      0,
	})
	if err != nil {
		return fmt.Errorf("sandbox pay in: %w", err)
	}

	g.logger.Info("sandbox account funded", "account_id", g.Client.Config.AccountId, "amount", cash)
	return nil
}

func (g *TinkoffGateway) AccountID() string {
	return g.Client.Config.AccountId
}

func (g *TinkoffGateway) Stop() error {
	return g.Client.Stop()
}
