package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidContext = errors.New("invalid instance context")

const DefaultOptionMultiplier = 100

type OptionRight string

const (
	OptionCall OptionRight = "CALL"
	OptionPut  OptionRight = "PUT"
)

// OptionLeg describes the contract an OPTION instance holds.
type OptionLeg struct {
	Underlying string      `json:"underlying"`
	Expiry     string      `json:"expiry"` // YYYY-MM-DD
	Right      OptionRight `json:"right"`
	Strike     float64     `json:"strike"`
	Multiplier float64     `json:"multiplier,omitempty"`
}

// ExpiryDate parses Expiry in loc.
func (o OptionLeg) ExpiryDate(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, o.Expiry, loc)
}

// StockLeg holds the exit levels of a STOCK instance.
type StockLeg struct {
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
}

// InstanceContext is the persisted context of a StrategyInstance. AssetClass
// selects which extension is populated.
type InstanceContext struct {
	AssetClass       AssetClass     `json:"assetClass"`
	TradedSymbol     string         `json:"tradedSymbol,omitempty"`
	EntryPrice       float64        `json:"entryPrice,omitempty"`
	Quantity         float64        `json:"quantity,omitempty"`
	AllocationAmount float64        `json:"allocationAmount,omitempty"`
	OrderID          string         `json:"orderId,omitempty"`
	ClientOrderID    string         `json:"clientOrderId,omitempty"`
	SignalID         uint           `json:"signalId,omitempty"`
	EntryTime        *time.Time     `json:"entryTime,omitempty"`
	Option           *OptionLeg     `json:"option,omitempty"`
	Stock            *StockLeg      `json:"stock,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Traded returns the traded symbol, falling back to the instance symbol.
func (c InstanceContext) Traded(symbol string) string {
	if c.TradedSymbol != "" {
		return c.TradedSymbol
	}
	return symbol
}

// Normalize fills the discriminator for legacy rows written without one.
func (c *InstanceContext) Normalize() {
	if c.AssetClass == "" {
		if c.Option != nil {
			c.AssetClass = AssetOption
		} else {
			c.AssetClass = AssetStock
		}
	}
}

// Validate checks the context shape for the state it is stored with.
func (c InstanceContext) Validate(state InstanceState) error {
	switch c.AssetClass {
	case AssetStock:
		if c.Option != nil {
			return fmt.Errorf("%w: stock context carries option leg", ErrInvalidContext)
		}
	case AssetOption:
		if c.Stock != nil {
			return fmt.Errorf("%w: option context carries stock leg", ErrInvalidContext)
		}
		if state != StateIdle {
			if c.Option == nil {
				return fmt.Errorf("%w: option context without contract", ErrInvalidContext)
			}
			if c.TradedSymbol == "" {
				return fmt.Errorf("%w: option context without traded symbol", ErrInvalidContext)
			}
			if _, err := c.Option.ExpiryDate(time.UTC); err != nil {
				return fmt.Errorf("%w: option expiry %q", ErrInvalidContext, c.Option.Expiry)
			}
		}
	default:
		return fmt.Errorf("%w: unknown asset class %q", ErrInvalidContext, c.AssetClass)
	}
	if c.Quantity < 0 || c.EntryPrice < 0 || c.AllocationAmount < 0 {
		return fmt.Errorf("%w: negative quantity, price or allocation", ErrInvalidContext)
	}
	if state == StateHolding && c.Quantity <= 0 {
		return fmt.Errorf("%w: HOLDING requires a positive quantity", ErrInvalidContext)
	}
	return nil
}
