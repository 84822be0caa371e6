package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// CreateCall records one CreateOrder invocation for assertions.
type CreateCall struct {
	Symbol string
	Type   string
	Side   string
	Amount float64
	Price  *float64
	Opts   OrderOptions
}

// MockClient implements Client for tests and dry-run mode. Responses are
// scripted; FetchOrder walks a per-order status sequence so poll loops can be
// exercised deterministically.
type MockClient struct {
	mu sync.Mutex

	TickerResp    *Ticker
	BalanceResp   *Balance
	Positions     []Position
	Candles       []Candle
	Funding       *FundingRate
	Market        *MarketInfo
	CreateErr     error
	FetchOrderErr error

	// StatusScript maps order id to the Status values successive FetchOrder
	// calls return. The last entry repeats once exhausted.
	StatusScript map[string][]string
	// FilledAvg is the Average reported once an order reaches "closed".
	FilledAvg map[string]float64

	Calls       []CreateCall
	Leverage    map[string]int
	Hedged      bool
	nextOrderID int
	fetchCounts map[string]int
	created     map[string]*Order
}

// NewMockClient creates a mock with empty state.
func NewMockClient() *MockClient {
	return &MockClient{
		StatusScript: make(map[string][]string),
		FilledAvg:    make(map[string]float64),
		Leverage:     make(map[string]int),
		fetchCounts:  make(map[string]int),
		created:      make(map[string]*Order),
		nextOrderID:  1000,
	}
}

func (c *MockClient) FetchTicker(_ context.Context, symbol string) (*Ticker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TickerResp == nil {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	t := *c.TickerResp
	t.Symbol = symbol
	return &t, nil
}

func (c *MockClient) FetchBalance(_ context.Context, _ map[string]string) (*Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BalanceResp == nil {
		return &Balance{Records: map[string]BalanceRecord{}}, nil
	}
	return c.BalanceResp, nil
}

func (c *MockClient) FetchPositions(_ context.Context, symbol string) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.Positions))
	for _, p := range c.Positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetPositions replaces the scripted position list.
func (c *MockClient) SetPositions(positions []Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Positions = positions
}

func (c *MockClient) FetchOHLCV(_ context.Context, _, _ string, limit int) ([]Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && limit < len(c.Candles) {
		return c.Candles[len(c.Candles)-limit:], nil
	}
	return c.Candles, nil
}

func (c *MockClient) FetchFundingRate(_ context.Context, symbol string) (*FundingRate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Funding == nil {
		return &FundingRate{Symbol: symbol}, nil
	}
	return c.Funding, nil
}

func (c *MockClient) CreateOrder(_ context.Context, symbol, orderType, side string, amount float64, price *float64, opts OrderOptions) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, CreateCall{
		Symbol: symbol, Type: orderType, Side: side,
		Amount: amount, Price: price, Opts: opts,
	})
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}

	c.nextOrderID++
	id := strconv.Itoa(c.nextOrderID)
	order := &Order{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Type:       orderType,
		Status:     "open",
		Amount:     amount,
		ReduceOnly: opts.ReduceOnly,
	}
	if price != nil {
		order.Price = *price
	}
	c.created[id] = order
	return order, nil
}

func (c *MockClient) FetchOrder(_ context.Context, id, symbol string) (*Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FetchOrderErr != nil {
		return nil, c.FetchOrderErr
	}

	order, ok := c.created[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	out := *order
	out.Symbol = symbol

	script := c.StatusScript[id]
	if len(script) == 0 {
		script = c.StatusScript["*"]
	}
	if len(script) > 0 {
		i := c.fetchCounts[id]
		if i >= len(script) {
			i = len(script) - 1
		}
		c.fetchCounts[id]++
		out.Status = script[i]
	} else {
		out.Status = "closed"
	}
	if out.Status == "closed" {
		out.Filled = out.Amount
		if avg, ok := c.FilledAvg[id]; ok {
			out.Average = avg
		} else if avg, ok := c.FilledAvg["*"]; ok {
			out.Average = avg
		} else {
			out.Average = out.Price
		}
	}
	return &out, nil
}

func (c *MockClient) SetLeverage(_ context.Context, leverage int, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Leverage[symbol] = leverage
	return nil
}

func (c *MockClient) SetPositionMode(_ context.Context, hedged bool, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hedged = hedged
	return nil
}

func (c *MockClient) MarketInfo(_ context.Context, symbol string) (*MarketInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Market == nil {
		return &MarketInfo{Symbol: symbol, PriceStep: 0.01, AmountStep: 0.01, MinQty: 0.01, MinCost: 5}, nil
	}
	return c.Market, nil
}
