package ai

// Decision is one entry of the model's JSON answer.
type Decision struct {
	Action     string  `json:"action"` // BUY, SELL, HOLD
	Ticker     string  `json:"ticker"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Confidence int     `json:"confidence"` // 0-100
	Reasoning  string  `json:"reasoning"`
}

// Request is the prompt input for one symbol.
type Request struct {
	Symbol     string
	LastPrice  float64
	Volume     float64
	Changes    map[string]float64
	Headlines  []string
	Holding    bool
	EntryPrice float64
	Quantity   float64
}
