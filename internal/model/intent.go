package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidIntent = errors.New("invalid trading intent")

// TradingIntent is what a strategy's signal function returns. EntryPrice is
// the price paid when opening; on a SELL it keeps the original cost basis
// while SellPrice carries the market price for the closing order.
type TradingIntent struct {
	Action       Action         `json:"action"`
	Symbol       string         `json:"symbol"`
	TradedSymbol string         `json:"tradedSymbol,omitempty"`
	AssetClass   AssetClass     `json:"assetClass,omitempty"`
	EntryPrice   float64        `json:"entryPrice,omitempty"`
	SellPrice    float64        `json:"sellPrice,omitempty"`
	Quantity     float64        `json:"quantity,omitempty"`
	StopLoss     float64        `json:"stopLoss,omitempty"`
	TakeProfit   float64        `json:"takeProfit,omitempty"`
	Confidence   int            `json:"confidence,omitempty"`
	Reason       string         `json:"reason"`
	Option       *OptionLeg     `json:"option,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Traded returns the symbol the order is placed on.
func (i TradingIntent) Traded() string {
	if i.TradedSymbol != "" {
		return i.TradedSymbol
	}
	return i.Symbol
}

// OrderPrice is the limit/reference price for the order this intent produces.
func (i TradingIntent) OrderPrice() float64 {
	if i.Action == ActionSell && i.SellPrice > 0 {
		return i.SellPrice
	}
	return i.EntryPrice
}

// Multiplier is the contract multiplier applied to price*quantity.
func (i TradingIntent) Multiplier() float64 {
	if i.Option != nil && i.Option.Multiplier > 0 {
		return i.Option.Multiplier
	}
	if i.AssetClass == AssetOption {
		return DefaultOptionMultiplier
	}
	return 1
}

func (i TradingIntent) Validate() error {
	switch i.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, i.Action)
	}
	if i.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidIntent)
	}
	if i.Quantity < 0 || i.EntryPrice < 0 || i.SellPrice < 0 {
		return fmt.Errorf("%w: negative price or quantity", ErrInvalidIntent)
	}
	if i.Action == ActionBuy && i.EntryPrice <= 0 {
		return fmt.Errorf("%w: BUY requires an entry price", ErrInvalidIntent)
	}
	if i.AssetClass == AssetOption && i.Option == nil {
		return fmt.Errorf("%w: option intent without contract details", ErrInvalidIntent)
	}
	return nil
}

// MarketSnapshot is the market data handed to a signal function. Features
// carries source-specific series such as "change_1d" in percent.
type MarketSnapshot struct {
	Symbol    string             `json:"symbol"`
	LastPrice float64            `json:"lastPrice"`
	Volume    float64            `json:"volume,omitempty"`
	Features  map[string]float64 `json:"features,omitempty"`
	Headlines []string           `json:"headlines,omitempty"`
	Time      time.Time          `json:"time"`
}
