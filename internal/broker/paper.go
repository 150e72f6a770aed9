package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/symbol"
)

// PaperOrder is an order held by PaperGateway.
type PaperOrder struct {
	ID      string
	Request OrderRequest
	Status  model.OrderStatus
	Price   float64
	Filled  float64
}

// PaperGateway is an in-memory broker account. Orders fill immediately at
// the request price (or the quote) unless auto-fill is off. Failures can be
// queued per operation to exercise retry and recovery paths.
type PaperGateway struct {
	mu        sync.Mutex
	cash      float64
	equity    *float64
	positions map[string]*Position
	quotes    map[string]float64
	orders    map[string]*PaperOrder
	byClient  map[string]string
	failures  map[string][]error
	autoFill  bool
	submits   int
}

const (
	OpEquity    = "equity"
	OpPositions = "positions"
	OpSubmit    = "submit"
	OpStatus    = "status"
	OpCancel    = "cancel"
	OpQuote     = "quote"
)

func NewPaperGateway(cash float64) *PaperGateway {
	return &PaperGateway{
		cash:      cash,
		positions: make(map[string]*Position),
		quotes:    make(map[string]float64),
		orders:    make(map[string]*PaperOrder),
		byClient:  make(map[string]string),
		failures:  make(map[string][]error),
		autoFill:  true,
	}
}

func (p *PaperGateway) SetAutoFill(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoFill = on
}

// SetEquity pins the reported equity regardless of cash and positions.
func (p *PaperGateway) SetEquity(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.equity = &v
}

func (p *PaperGateway) SetQuote(sym string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol.Normalize(sym)] = price
}

// SetPosition replaces a position; quantity zero removes it.
func (p *PaperGateway) SetPosition(sym string, qty, avgCost, last float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := symbol.Normalize(sym)
	if qty == 0 {
		delete(p.positions, key)
		return
	}
	p.positions[key] = &Position{Symbol: key, Quantity: qty, AvgCost: avgCost, LastPrice: last, Multiplier: multiplierFor(key)}
}

// FailNext queues errors returned by the next calls of op.
func (p *PaperGateway) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// SubmitCount is the number of distinct orders accepted.
func (p *PaperGateway) SubmitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

func (p *PaperGateway) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fill executes a working order at its request price or the quote.
func (p *PaperGateway) Fill(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	p.execute(o, o.Request.Quantity-o.Filled)
	return nil
}

// PartialFill executes qty of a working order and leaves it PARTIALLY_FILLED.
func (p *PaperGateway) PartialFill(orderID string, qty float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	if qty <= 0 || o.Filled+qty >= o.Request.Quantity {
		return fmt.Errorf("partial fill of %v does not leave %s working", qty, orderID)
	}
	p.execute(o, qty)
	return nil
}

// SetOrderStatus forces a working order into status without touching the
// account, e.g. to simulate a broker-side cancel or reject.
func (p *PaperGateway) SetOrderStatus(orderID string, status model.OrderStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	return nil
}

func (p *PaperGateway) popFailure(op string) error {
	q := p.failures[op]
	if len(q) == 0 {
		return nil
	}
	p.failures[op] = q[1:]
	return q[0]
}

func (p *PaperGateway) GetEquity(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpEquity); err != nil {
		return 0, err
	}
	if p.equity != nil {
		return *p.equity, nil
	}
	total := p.cash
	for _, pos := range p.positions {
		v := pos.MarketValue()
		if pos.Quantity < 0 {
			v = -v
		}
		total += v
	}
	return total, nil
}

func (p *PaperGateway) GetPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpPositions); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperGateway) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpSubmit); err != nil {
		return "", err
	}
	if req.ClientOrderID != "" {
		if id, ok := p.byClient[req.ClientOrderID]; ok {
			return id, nil
		}
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity %v", ErrRejected, req.Quantity)
	}

	o := &PaperOrder{ID: "paper-" + uuid.NewString(), Request: req, Status: model.OrderSubmitted}
	p.orders[o.ID] = o
	if req.ClientOrderID != "" {
		p.byClient[req.ClientOrderID] = o.ID
	}
	p.submits++
	if p.autoFill {
		p.execute(o, req.Quantity)
	}
	return o.ID, nil
}

// execute books qty of o against the account. The order is FILLED once its
// whole quantity executed.
func (p *PaperGateway) execute(o *PaperOrder, qty float64) {
	key := symbol.Normalize(o.Request.Symbol)
	price := o.Request.Price
	if price <= 0 {
		price = p.quotes[key]
	}
	pos, ok := p.positions[key]
	if price <= 0 && ok {
		price = pos.AvgCost
	}
	if !ok {
		pos = &Position{Symbol: key, Multiplier: multiplierFor(key)}
		p.positions[key] = pos
	}

	delta := qty
	if o.Request.Side == model.SideSell {
		delta = -qty
	}
	if pos.Quantity >= 0 && delta > 0 {
		pos.AvgCost = (pos.AvgCost*pos.Quantity + price*delta) / (pos.Quantity + delta)
	}
	pos.Quantity += delta
	pos.LastPrice = price
	p.cash -= delta * price * pos.Multiplier
	if pos.Quantity == 0 {
		delete(p.positions, key)
	}

	o.Price = (o.Price*o.Filled + price*qty) / (o.Filled + qty)
	o.Filled += qty
	if o.Filled >= o.Request.Quantity {
		o.Status = model.OrderFilled
	} else {
		o.Status = model.OrderPartiallyFilled
	}
}

func (p *PaperGateway) GetOrderStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpStatus); err != nil {
		return "", err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return "", ErrOrderNotFound
	}
	return o.Status, nil
}

func (p *PaperGateway) OrderFill(ctx context.Context, orderID string) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return Fill{}, ErrOrderNotFound
	}
	return Fill{Quantity: o.Filled, AvgPrice: o.Price}, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpCancel); err != nil {
		return err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !o.Status.IsTerminal() {
		o.Status = model.OrderCancelled
	}
	return nil
}

func (p *PaperGateway) LastPrice(ctx context.Context, sym string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.popFailure(OpQuote); err != nil {
		return 0, err
	}
	key := symbol.Normalize(sym)
	if q, ok := p.quotes[key]; ok {
		return q, nil
	}
	if pos, ok := p.positions[key]; ok && pos.LastPrice > 0 {
		return pos.LastPrice, nil
	}
	return 0, fmt.Errorf("no quote for %s", key)
}

func multiplierFor(sym string) float64 {
	if symbol.IsOption(sym) {
		return model.DefaultOptionMultiplier
	}
	return 1
}
