package model

// InstanceState is the lifecycle state of one (strategy, symbol) pair.
type InstanceState string

const (
	StateIdle    InstanceState = "IDLE"
	StateOpening InstanceState = "OPENING"
	StateHolding InstanceState = "HOLDING"
	StateClosing InstanceState = "CLOSING"
)

func (s InstanceState) Valid() bool {
	switch s {
	case StateIdle, StateOpening, StateHolding, StateClosing:
		return true
	}
	return false
}

// Action is what a strategy wants to do with a symbol.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side returns the order side for a trading action. HOLD has no side.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	}
	return "", false
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type SignalStatus string

const (
	SignalPending  SignalStatus = "PENDING"
	SignalExecuted SignalStatus = "EXECUTED"
	SignalIgnored  SignalStatus = "IGNORED"
	SignalRejected SignalStatus = "REJECTED"
)

// OrderStatus is the normalized broker order status. Vendor spellings are
// mapped onto this set once, at the gateway boundary.
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderUnknown         OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether the broker will not change the order any more.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// IsPending reports whether the order is still working at the broker.
func (s OrderStatus) IsPending() bool {
	return s == OrderSubmitted || s == OrderPartiallyFilled
}

// PendingOrderStatuses lists the statuses of orders still working at the broker.
func PendingOrderStatuses() []OrderStatus {
	return []OrderStatus{OrderSubmitted, OrderPartiallyFilled}
}

// SignalStatusFor maps an order outcome to the status of the signal that
// caused it. ok is false while the order outcome is not known yet.
func SignalStatusFor(s OrderStatus) (SignalStatus, bool) {
	switch s {
	case OrderFilled, OrderPartiallyFilled:
		return SignalExecuted, true
	case OrderCancelled, OrderExpired:
		return SignalIgnored, true
	case OrderRejected:
		return SignalRejected, true
	}
	return "", false
}

type AllocationType string

const (
	AllocationPercentage  AllocationType = "PERCENTAGE"
	AllocationFixedAmount AllocationType = "FIXED_AMOUNT"
)

type StrategyStatus string

const (
	StrategyRunning StrategyStatus = "RUNNING"
	StrategyStopped StrategyStatus = "STOPPED"
)

type AssetClass string

const (
	AssetStock  AssetClass = "STOCK"
	AssetOption AssetClass = "OPTION"
)

// Severity grades a reconciliation discrepancy.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)
