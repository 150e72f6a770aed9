package broker

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"github.com/camuig/quant-trader/internal/model"
)

// SubmitOrder places a market order. The client order id doubles as the
// T-Invest idempotency key, so a resend after a timeout returns the original
// order instead of placing a new one.
func (g *TinkoffGateway) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	uid, err := g.ResolveTickerToUID(req.Symbol)
	if err != nil {
		return "", err
	}

	lots := int64(math.Floor(req.Quantity))
	if lots < 1 {
		return "", fmt.Errorf("%w: quantity %v is below one lot", ErrRejected, req.Quantity)
	}

	direction := pb.OrderDirection_ORDER_DIRECTION_BUY
	if req.Side == model.SideSell {
		direction = pb.OrderDirection_ORDER_DIRECTION_SELL
	}

	var resp *investgo.PostOrderResponse
	if g.sandbox {
		sandbox := g.Client.NewSandboxServiceClient()
		resp, err = sandbox.PostSandboxOrder(&investgo.PostOrderRequest{
			InstrumentId: uid,
			Quantity:     lots,
			Direction:    direction,
			AccountId:    g.AccountID(),
			OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
			OrderId:      req.ClientOrderID,
		})
	} else {
		short := &investgo.PostOrderRequestShort{
			InstrumentId: uid,
			Quantity:     lots,
			AccountId:    g.AccountID(),
			OrderType:    pb.OrderType_ORDER_TYPE_MARKET,
			OrderId:      req.ClientOrderID,
		}
		orders := g.Client.NewOrdersServiceClient()
		if req.Side == model.SideSell {
			resp, err = orders.Sell(short)
		} else {
			resp, err = orders.Buy(short)
		}
	}
	if err != nil {
		return "", fmt.Errorf("%s order %s: %w", req.Side, req.Symbol, classify(err))
	}

	orderID := resp.GetOrderId()
	status := NormalizeStatus(resp.GetExecutionReportStatus().String())
	g.orders.Store(orderID, status)

	fill := Fill{Quantity: float64(resp.GetLotsExecuted())}
	if ep := resp.GetExecutedOrderPrice(); ep != nil {
		fill.AvgPrice = ep.ToFloat()
	}
	g.fills.Store(orderID, fill)

	g.logger.Info("order placed",
		"symbol", req.Symbol, "side", req.Side, "lots", lots,
		"order_id", orderID, "status", status, "lots_executed", resp.GetLotsExecuted())
	return orderID, nil
}

// GetOrderStatus reports the execution status seen when the order was
// placed. Market orders settle in that response; an order placed by a
// previous process is UNKNOWN and left to reconciliation.
func (g *TinkoffGateway) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	if v, ok := g.orders.Load(orderID); ok {
		return v.(model.OrderStatus), nil
	}
	return model.OrderUnknown, nil
}

// OrderFill reports the lots executed in the PostOrder response.
func (g *TinkoffGateway) OrderFill(ctx context.Context, orderID string) (Fill, error) {
	if v, ok := g.fills.Load(orderID); ok {
		return v.(Fill), nil
	}
	return Fill{}, ErrOrderNotFound
}

// CancelOrder is a no-op for orders known to be settled. Market orders are
// not cancellable through this adapter.
func (g *TinkoffGateway) CancelOrder(ctx context.Context, orderID string) error {
	if v, ok := g.orders.Load(orderID); ok && v.(model.OrderStatus).IsTerminal() {
		return nil
	}
	return fmt.Errorf("cancel %s: %w", orderID, ErrUnsupported)
}

// classify marks gRPC failures that are worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"unavailable", "resourceexhausted", "deadlineexceeded"} {
		if strings.Contains(msg, transient) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
