package exchange

// Ticker is the subset of venue ticker data the relay consumes.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	MarkPrice float64 `json:"markPrice"`
	Funding   float64 `json:"fundingRate"`
}

// Position is an open derivatives position. Side is "long" or "short";
// Contracts is always positive.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Contracts     float64 `json:"contracts"`
	EntryPrice    float64 `json:"entryPrice"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	Leverage      float64 `json:"leverage"`
}

// Order is a venue order as seen through create or fetch.
type Order struct {
	ID         string                 `json:"id"`
	Symbol     string                 `json:"symbol"`
	Side       string                 `json:"side"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Price      float64                `json:"price"`
	Average    float64                `json:"average"`
	Amount     float64                `json:"amount"`
	Filled     float64                `json:"filled"`
	ReduceOnly bool                   `json:"reduceOnly"`
	Info       map[string]interface{} `json:"info,omitempty"`
}

// Candle is one OHLCV bar. Timestamp is epoch milliseconds.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FundingRate is the current funding snapshot for a perp symbol.
type FundingRate struct {
	Symbol string  `json:"symbol"`
	Rate   float64 `json:"fundingRate"`
}

// BalanceRecord maps amount fields (free, total, used, ...) for one currency.
type BalanceRecord map[string]float64

// Balance is a venue balance response. Records keys are currency codes.
// Info carries the raw venue payload for fallback probing.
type Balance struct {
	Records map[string]BalanceRecord
	Nested  map[string]BalanceRecord
	Info    map[string]interface{}
}

// MarketInfo carries per-symbol precision and minimum constraints.
type MarketInfo struct {
	Symbol     string
	PriceStep  float64
	AmountStep float64
	MinQty     float64
	MinCost    float64
}

// OrderOptions are the optional parameters of CreateOrder.
type OrderOptions struct {
	ReduceOnly  bool
	TimeInForce string
	PosSide     string
}
