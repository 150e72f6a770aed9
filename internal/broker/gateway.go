package broker

import (
	"context"
	"errors"
	"math"
	"net"

	"github.com/camuig/quant-trader/internal/model"
)

var (
	ErrRateLimited   = errors.New("broker rate limit exceeded")
	ErrUnavailable   = errors.New("broker unavailable")
	ErrOrderNotFound = errors.New("order not found")
	ErrRejected      = errors.New("order rejected by broker")
	ErrUnsupported   = errors.New("operation not supported by broker")
)

// Gateway is everything the trading core needs from a broker. Implementations
// must tolerate a resent SubmitOrder with the same ClientOrderID.
type Gateway interface {
	GetEquity(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Quoter is implemented by gateways that can quote a last price.
type Quoter interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Fill is the executed part of an order.
type Fill struct {
	Quantity float64
	AvgPrice float64
}

// FillReporter is implemented by gateways that know how much of an order
// executed. A cancelled or expired order may still carry a partial fill.
type FillReporter interface {
	OrderFill(ctx context.Context, orderID string) (Fill, error)
}

type Position struct {
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	AvgCost    float64 `json:"avg_cost"`
	LastPrice  float64 `json:"last_price"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

// MarketValue is the absolute value of the position, priced at the last
// price or at cost when no quote is known.
func (p Position) MarketValue() float64 {
	price := p.LastPrice
	if price <= 0 {
		price = p.AvgCost
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return math.Abs(p.Quantity) * price * mult
}

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          model.Side
	Quantity      float64
	Price         float64
	Type          OrderType
}

// IsRetryable reports whether err is transient: rate limiting, an
// unavailable broker, or a timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
