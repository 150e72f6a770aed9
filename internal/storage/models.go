package storage

import (
	"time"

	"github.com/camuig/quant-trader/internal/model"
)

type CapitalAllocation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name            string               `gorm:"uniqueIndex;not null" json:"name"`
	ParentID        *uint                `gorm:"index" json:"parent_id,omitempty"`
	AllocationType  model.AllocationType `gorm:"not null" json:"allocation_type"`
	AllocationValue float64              `gorm:"not null" json:"allocation_value"`
	CurrentUsage    float64              `gorm:"not null;default:0" json:"current_usage"`
	IsSystem        bool                 `gorm:"not null;default:false" json:"is_system"`
}

// AllocationLeg is the capital a strategy has committed to one underlying.
// Option legs on the same underlying share a row.
type AllocationLeg struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	UpdatedAt  time.Time `json:"updated_at"`
	StrategyID uint      `gorm:"uniqueIndex:idx_leg_strategy_symbol;not null" json:"strategy_id"`
	Symbol     string    `gorm:"uniqueIndex:idx_leg_strategy_symbol;size:64;not null" json:"symbol"`
	Amount     float64   `gorm:"not null;default:0" json:"amount"`
}

const (
	PoolStatic    = "static"
	PoolTopVolume = "top_volume"
)

// SymbolPool configures which instruments a strategy evaluates.
type SymbolPool struct {
	Mode    string   `json:"mode"`
	Symbols []string `json:"symbols,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Size is the pool size used to split a budget into per-instrument ceilings.
func (p SymbolPool) Size() int {
	n := len(p.Symbols)
	if p.Mode == PoolTopVolume && p.Limit > 0 {
		n = p.Limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

type Strategy struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name                string               `gorm:"uniqueIndex;not null" json:"name"`
	Type                string               `gorm:"not null" json:"type"`
	Status              model.StrategyStatus `gorm:"index;not null" json:"status"`
	CapitalAllocationID *uint                `gorm:"index" json:"capital_allocation_id,omitempty"`
	SymbolPool          SymbolPool           `gorm:"serializer:json;type:text" json:"symbol_pool"`
	Config              map[string]any       `gorm:"serializer:json;type:text" json:"config,omitempty"`
}

type StrategyInstance struct {
	StrategyID  uint                  `gorm:"primaryKey;autoIncrement:false" json:"strategy_id"`
	Symbol      string                `gorm:"primaryKey;size:64" json:"symbol"`
	State       model.InstanceState   `gorm:"index;not null" json:"state"`
	Context     model.InstanceContext `gorm:"serializer:json;type:text" json:"context"`
	LastUpdated time.Time             `gorm:"index" json:"last_updated"`
}

type ExecutionOrder struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID        string            `gorm:"uniqueIndex;size:64;not null" json:"order_id"`
	ClientOrderID  string            `gorm:"index;size:64" json:"client_order_id"`
	StrategyID     uint              `gorm:"index" json:"strategy_id"`
	Symbol         string            `gorm:"index;size:64;not null" json:"symbol"`
	TradedSymbol   string            `gorm:"size:64" json:"traded_symbol"`
	Side           model.Side        `gorm:"not null" json:"side"`
	Quantity       float64           `json:"quantity"`
	Price          float64           `json:"price"`
	Status         model.OrderStatus `gorm:"index;not null" json:"status"`
	FilledQuantity float64           `json:"filled_quantity"`
	AvgFillPrice   float64           `json:"avg_fill_price"`
	SignalID       *uint             `gorm:"index" json:"signal_id,omitempty"`
}

type StrategySignal struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StrategyID uint               `gorm:"index;not null" json:"strategy_id"`
	Symbol     string             `gorm:"index;size:64;not null" json:"symbol"`
	SignalType model.Side         `gorm:"not null" json:"signal_type"`
	Price      float64            `json:"price"`
	Quantity   float64            `json:"quantity"`
	Reason     string             `gorm:"type:text" json:"reason"`
	Status     model.SignalStatus `gorm:"index;not null" json:"status"`
}

const (
	DiscrepancyUsageDrift     = "USAGE_DRIFT"
	DiscrepancyUsageSet       = "USAGE_SET"
	DiscrepancyStaleInstance  = "STALE_INSTANCE"
	DiscrepancyMissedFill     = "MISSED_FILL"
	DiscrepancyAbandonedClose = "ABANDONED_CLOSE"
	DiscrepancyShortPosition  = "SHORT_POSITION"
)

// DiscrepancyReport records drift found between bookkeeping and the broker,
// and every automatic correction applied for it.
type DiscrepancyReport struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	Kind         string         `gorm:"index;not null" json:"kind"`
	Severity     model.Severity `gorm:"index;not null" json:"severity"`
	AllocationID *uint          `json:"allocation_id,omitempty"`
	StrategyID   uint           `json:"strategy_id"`
	Symbol       string         `json:"symbol"`
	Recorded     float64        `json:"recorded"`
	Actual       float64        `json:"actual"`
	Difference   float64        `json:"difference"`
	Corrected    bool           `json:"corrected"`
	Note         string         `gorm:"type:text" json:"note"`
}

type BackfillRun struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	DryRun           bool `json:"dry_run"`
	WindowMinutes    int  `json:"window_minutes"`
	OrdersScanned    int  `json:"orders_scanned"`
	OrdersLinked     int  `json:"orders_linked"`
	SignalsScanned   int  `json:"signals_scanned"`
	SignalsLinked    int  `json:"signals_linked"`
	SignalsUpdated   int  `json:"signals_updated"`
	Ambiguous        int  `json:"ambiguous"`
	OrdersUnmatched  int  `json:"orders_unmatched"`
	SignalsUnmatched int  `json:"signals_unmatched"`
}

// BackfillFlag is an ambiguous order/signal match left for manual review.
type BackfillFlag struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID        uint   `gorm:"index" json:"run_id"`
	Direction    string `json:"direction"`
	OrderID      string `gorm:"index" json:"order_id,omitempty"`
	SignalID     uint   `gorm:"index" json:"signal_id,omitempty"`
	CandidateIDs string `json:"candidate_ids"`
	Resolved     bool   `gorm:"index" json:"resolved"`
}
