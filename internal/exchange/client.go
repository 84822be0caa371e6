// Package exchange talks to the derivatives venue. Client is the full trading
// surface; CandleSource is the narrow read-only slice the regime evaluator
// needs, satisfied both by the Phemex client and by the public Binance
// market-data client.
package exchange

import "context"

// CandleSource serves historical OHLCV bars.
type CandleSource interface {
	// FetchOHLCV returns up to limit bars for the timeframe ("4h", "1h", ...),
	// oldest first.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// Client is the venue capability consumed by the order engine and gates.
type Client interface {
	CandleSource

	// FetchBalance returns account balances. params narrows the account scope
	// ("type": "swap", "code": "USDT", ...); venues ignore keys they do not
	// support.
	FetchBalance(ctx context.Context, params map[string]string) (*Balance, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchPositions(ctx context.Context, symbol string) ([]Position, error)
	FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// CreateOrder places an order. price is nil for market orders.
	CreateOrder(ctx context.Context, symbol, orderType, side string, amount float64, price *float64, opts OrderOptions) (*Order, error)
	FetchOrder(ctx context.Context, id, symbol string) (*Order, error)

	SetLeverage(ctx context.Context, leverage int, symbol string) error
	// SetPositionMode switches the account between hedge (dual side) and
	// one-way position tracking.
	SetPositionMode(ctx context.Context, hedged bool, symbol string) error

	MarketInfo(ctx context.Context, symbol string) (*MarketInfo, error)
}
