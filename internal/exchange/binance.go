package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	binanceSpotURL    = "https://api.binance.com"
	binanceFuturesURL = "https://fapi.binance.com"
)

// BinanceKlines is a public, unauthenticated candle source used for regime
// evaluation when the venue's own history is too thin. Market selects spot or
// USDT-margined futures klines.
type BinanceKlines struct {
	http   *resty.Client
	market string
	path   string
}

// NewBinanceKlines creates a candle source for the given market ("spot" or
// "futures").
func NewBinanceKlines(market string) *BinanceKlines {
	baseURL := binanceSpotURL
	path := "/api/v3/klines"
	if market == "futures" || market == "usdm" {
		baseURL = binanceFuturesURL
		path = "/fapi/v1/klines"
	}
	return &BinanceKlines{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		market: market,
		path:   path,
	}
}

func (b *BinanceKlines) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   binanceSymbol(symbol),
			"interval": timeframe,
			"limit":    fmt.Sprintf("%d", limit),
		}).
		Get(b.path)
	if err != nil {
		return nil, fmt.Errorf("fetching binance klines: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("fetching binance klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	// Row layout: openTime, open, high, low, close, volume, closeTime, ...
	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("parsing binance klines: %w", err)
	}
	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var ts int64
		json.Unmarshal(row[0], &ts)
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      rawNum(row[1]),
			High:      rawNum(row[2]),
			Low:       rawNum(row[3]),
			Close:     rawNum(row[4]),
			Volume:    rawNum(row[5]),
		})
	}
	return candles, nil
}

// binanceSymbol flattens a canonical contract symbol to the Binance form:
// "ETH/USDT:USDT" and "ETH/USDT" both become "ETHUSDT".
func binanceSymbol(symbol string) string {
	return VenueSymbol(symbol)
}

func rawNum(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil && finite(f) {
			return f
		}
		return 0
	}
	var f float64
	json.Unmarshal(raw, &f)
	return f
}
