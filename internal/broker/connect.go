package broker

import (
	"context"
	"fmt"

	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/logger"
)

// Connection is the configured gateway behind a Guard. Tinkoff is nil in
// paper mode.
type Connection struct {
	*Guard
	Tinkoff *TinkoffGateway
	Paper   *PaperGateway
}

// Connect builds the gateway selected by broker.mode.
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Connection, error) {
	opt := GuardOptions{
		CallTimeout: config.Duration(cfg.Broker.CallTimeout),
		Attempts:    cfg.Broker.Retries,
		Backoff:     config.Duration(cfg.Broker.RetryBackoff),
	}

	switch cfg.Broker.Mode {
	case config.BrokerPaper:
		paper := NewPaperGateway(cfg.Broker.PaperCash)
		log.Info("paper broker ready", "cash", cfg.Broker.PaperCash)
		return &Connection{Guard: NewGuard(paper, opt, log), Paper: paper}, nil

	case config.BrokerTinkoff:
		tg, err := NewTinkoffGateway(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		opt.Throttle = NewThrottle(config.Duration(cfg.Broker.MinSpacing), cfg.Broker.HourlyCap)
		log.Info("broker connected", "account_id", tg.AccountID(), "sandbox", cfg.IsSandbox())
		return &Connection{Guard: NewGuard(tg, opt, log), Tinkoff: tg}, nil
	}
	return nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
}

func (c *Connection) Close() error {
	if c.Tinkoff != nil {
		return c.Tinkoff.Stop()
	}
	return nil
}
