package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	// PhemexBaseURL is the production Phemex API URL.
	PhemexBaseURL = "https://api.phemex.com"
	// PhemexTestnetURL is the Phemex testnet API URL.
	PhemexTestnetURL = "https://testnet-api.phemex.com"

	// Signed requests expire this far in the future; Phemex rejects
	// signatures whose expiry is more than a minute out.
	signatureWindow = 55 * time.Second
)

// PhemexClient implements Client against the Phemex USDT-margined perpetual
// ("g" family) REST API.
type PhemexClient struct {
	apiKey    string
	secretKey string
	http      *resty.Client
	log       zerolog.Logger

	productsMu sync.Mutex
	products   map[string]*MarketInfo
}

// NewPhemexClient creates a Phemex REST client. Keys are trimmed because a
// stray newline from an env file breaks signature generation.
func NewPhemexClient(apiKey, secretKey string, testnet bool, log zerolog.Logger) *PhemexClient {
	baseURL := PhemexBaseURL
	if testnet {
		baseURL = PhemexTestnetURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &PhemexClient{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		http:      httpClient,
		log:       log,
	}
}

// VenueSymbol converts a canonical contract symbol ("ETH/USDT:USDT") to the
// venue's compact form ("ETHUSDT"). Already compact symbols pass through.
func VenueSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ReplaceAll(symbol, "/", "")
}

// phemexEnvelope is the common response wrapper. Trading endpoints answer
// with code/msg/data, market-data endpoints with error/result.
type phemexEnvelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
	Error  json.RawMessage `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (e *phemexEnvelope) payload() (json.RawMessage, error) {
	if e.Code != 0 {
		return nil, fmt.Errorf("phemex error %d: %s", e.Code, e.Msg)
	}
	if len(e.Error) > 0 && string(e.Error) != "null" {
		return nil, fmt.Errorf("phemex error: %s", string(e.Error))
	}
	if len(e.Data) > 0 {
		return e.Data, nil
	}
	return e.Result, nil
}

// sign computes the request signature over path + query + expiry + body.
func (c *PhemexClient) sign(path, query, expiry, body string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(path + query + expiry + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}

func (c *PhemexClient) request(ctx context.Context, method, path string, params map[string]string, signed bool) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	query := canonicalQuery(params)
	if query != "" {
		req.SetQueryString(query)
	}
	if signed {
		expiry := strconv.FormatInt(time.Now().Add(signatureWindow).Unix(), 10)
		req.SetHeader("x-phemex-access-token", c.apiKey)
		req.SetHeader("x-phemex-request-expiry", expiry)
		req.SetHeader("x-phemex-request-signature", c.sign(path, query, expiry, ""))
	}

	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "PUT":
		resp, err = req.Put(path)
	case "POST":
		resp, err = req.Post(path)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}

	var env phemexEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return env.payload()
}

// ==================== MARKET DATA ====================

func (c *PhemexClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	raw, err := c.request(ctx, "GET", "/md/v3/ticker/24hr", map[string]string{
		"symbol": VenueSymbol(symbol),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("fetching ticker: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parsing ticker: %w", err)
	}
	return &Ticker{
		Symbol:    symbol,
		Last:      numField(fields, "lastRp", "closeRp", "close"),
		MarkPrice: numField(fields, "markPriceRp", "markRp", "indexPriceRp"),
		Funding:   numField(fields, "fundingRateRr", "fundingRate"),
	}, nil
}

func (c *PhemexClient) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	t, err := c.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &FundingRate{Symbol: symbol, Rate: t.Funding}, nil
}

var timeframeSeconds = map[string]int{
	"1m": 60, "5m": 300, "15m": 900, "30m": 1800,
	"1h": 3600, "4h": 14400, "1d": 86400,
}

func (c *PhemexClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	res, ok := timeframeSeconds[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	raw, err := c.request(ctx, "GET", "/exchange/public/md/v2/kline", map[string]string{
		"symbol":     VenueSymbol(symbol),
		"resolution": strconv.Itoa(res),
		"limit":      strconv.Itoa(limit),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("fetching klines: %w", err)
	}

	var payload struct {
		Rows [][]json.Number `json:"rows"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	// Row layout: timestamp, interval, lastClose, open, high, low, close,
	// volume, turnover.
	candles := make([]Candle, 0, len(payload.Rows))
	for _, row := range payload.Rows {
		if len(row) < 8 {
			continue
		}
		ts, _ := row[0].Int64()
		candles = append(candles, Candle{
			Timestamp: ts * 1000,
			Open:      numJSON(row[3]),
			High:      numJSON(row[4]),
			Low:       numJSON(row[5]),
			Close:     numJSON(row[6]),
			Volume:    numJSON(row[7]),
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return candles, nil
}

// ==================== ACCOUNT ====================

// accountPositions fetches the combined account + positions payload that
// backs both FetchBalance and FetchPositions.
func (c *PhemexClient) accountPositions(ctx context.Context) (map[string]interface{}, []map[string]interface{}, error) {
	raw, err := c.request(ctx, "GET", "/g-accounts/accountPositions", map[string]string{
		"currency": "USDT",
	}, true)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching account positions: %w", err)
	}
	var payload struct {
		Account   map[string]interface{}   `json:"account"`
		Positions []map[string]interface{} `json:"positions"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("parsing account positions: %w", err)
	}
	return payload.Account, payload.Positions, nil
}

func (c *PhemexClient) FetchBalance(ctx context.Context, _ map[string]string) (*Balance, error) {
	account, _, err := c.accountPositions(ctx)
	if err != nil {
		return nil, err
	}

	total := numField(account, "accountBalanceRv", "accountBalanceEv")
	used := numField(account, "totalUsedBalanceRv", "totalUsedBalanceEv")
	rec := BalanceRecord{
		"total": total,
		"used":  used,
		"free":  total - used,
	}
	return &Balance{
		Records: map[string]BalanceRecord{"USDT": rec},
		Info:    account,
	}, nil
}

func (c *PhemexClient) FetchPositions(ctx context.Context, symbol string) ([]Position, error) {
	_, raw, err := c.accountPositions(ctx)
	if err != nil {
		return nil, err
	}
	venue := VenueSymbol(symbol)

	var out []Position
	for _, p := range raw {
		sym, _ := p["symbol"].(string)
		if venue != "" && sym != venue {
			continue
		}
		size := numField(p, "sizeRq", "size")
		if size == 0 {
			continue
		}
		side := "long"
		if s, _ := p["side"].(string); strings.EqualFold(s, "Sell") {
			side = "short"
		}
		out = append(out, Position{
			Symbol:        symbol,
			Side:          side,
			Contracts:     size,
			EntryPrice:    numField(p, "avgEntryPriceRp", "avgEntryPrice"),
			UnrealizedPnl: numField(p, "unRealisedPnlRv", "unRealisedPnl"),
			Leverage:      numField(p, "leverageRr", "leverage"),
		})
	}
	return out, nil
}

// ==================== TRADING ====================

func (c *PhemexClient) CreateOrder(ctx context.Context, symbol, orderType, side string, amount float64, price *float64, opts OrderOptions) (*Order, error) {
	params := map[string]string{
		"symbol":     VenueSymbol(symbol),
		"side":       venueSide(side),
		"ordType":    venueOrderType(orderType),
		"orderQtyRq": strconv.FormatFloat(amount, 'f', -1, 64),
		"clOrdID":    fmt.Sprintf("relay-%d", time.Now().UnixNano()),
	}
	if price != nil {
		params["priceRp"] = strconv.FormatFloat(*price, 'f', -1, 64)
	}
	if opts.TimeInForce != "" {
		params["timeInForce"] = venueTimeInForce(opts.TimeInForce)
	}
	if opts.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if opts.PosSide != "" {
		params["posSide"] = opts.PosSide
	}

	raw, err := c.request(ctx, "PUT", "/g-orders/create", params, true)
	if err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}
	order, err := c.parseOrder(raw, symbol)
	if err != nil {
		return nil, err
	}
	c.log.Info().
		Str("event", "order_created").
		Str("symbol", symbol).
		Str("side", side).
		Str("type", orderType).
		Float64("amount", amount).
		Str("order_id", order.ID).
		Msg("")
	return order, nil
}

func (c *PhemexClient) FetchOrder(ctx context.Context, id, symbol string) (*Order, error) {
	raw, err := c.request(ctx, "GET", "/api-data/g-futures/orders/by-order-id", map[string]string{
		"symbol":  VenueSymbol(symbol),
		"orderID": id,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", id, err)
	}

	// The endpoint answers with either a bare object, a list, or a paged
	// rows wrapper depending on API vintage.
	var rows struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(raw, &rows); err == nil && len(rows.Rows) > 0 {
		return c.parseOrder(rows.Rows[0], symbol)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil, fmt.Errorf("order %s not found", id)
		}
		return c.parseOrder(list[0], symbol)
	}
	return c.parseOrder(raw, symbol)
}

func (c *PhemexClient) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	_, err := c.request(ctx, "PUT", "/g-positions/leverage", map[string]string{
		"symbol":     VenueSymbol(symbol),
		"leverageRr": strconv.Itoa(leverage),
	}, true)
	if err != nil {
		return fmt.Errorf("setting leverage: %w", err)
	}
	return nil
}

func (c *PhemexClient) SetPositionMode(ctx context.Context, hedged bool, symbol string) error {
	mode := "OneWay"
	if hedged {
		mode = "Hedged"
	}
	_, err := c.request(ctx, "PUT", "/g-positions/switch-pos-mode-sync", map[string]string{
		"symbol":        VenueSymbol(symbol),
		"targetPosMode": mode,
	}, true)
	if err != nil {
		return fmt.Errorf("switching position mode: %w", err)
	}
	return nil
}

// ==================== MARKETS ====================

func (c *PhemexClient) MarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	venue := VenueSymbol(symbol)
	c.productsMu.Lock()
	if info, ok := c.products[venue]; ok {
		c.productsMu.Unlock()
		return info, nil
	}
	c.productsMu.Unlock()

	// The products fetch runs unlocked; cached lookups for other symbols
	// must not wait on it.
	raw, err := c.request(ctx, "GET", "/public/products", nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetching products: %w", err)
	}
	var payload struct {
		PerpProductsV2 []map[string]interface{} `json:"perpProductsV2"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing products: %w", err)
	}

	products := make(map[string]*MarketInfo, len(payload.PerpProductsV2))
	for _, p := range payload.PerpProductsV2 {
		sym, _ := p["symbol"].(string)
		if sym == "" {
			continue
		}
		products[sym] = &MarketInfo{
			Symbol:     sym,
			PriceStep:  numField(p, "tickSize"),
			AmountStep: numField(p, "qtyStepSize", "lotSize"),
			MinQty:     numField(p, "minOrderQtyRq", "minOrderQty"),
			MinCost:    numField(p, "minOrderValueRv", "minOrderValue"),
		}
	}

	c.productsMu.Lock()
	c.products = products
	info, ok := c.products[venue]
	c.productsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown market %s", symbol)
	}
	return info, nil
}

// ==================== PARSING HELPERS ====================

func (c *PhemexClient) parseOrder(raw json.RawMessage, symbol string) (*Order, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	id, _ := fields["orderID"].(string)
	if id == "" {
		id, _ = fields["orderId"].(string)
	}
	side, _ := fields["side"].(string)
	ordType, _ := fields["ordType"].(string)
	status, _ := fields["ordStatus"].(string)
	reduceOnly, _ := fields["reduceOnly"].(bool)

	return &Order{
		ID:         id,
		Symbol:     symbol,
		Side:       strings.ToLower(side),
		Type:       strings.ToLower(ordType),
		Status:     normalizeStatus(status),
		Price:      numField(fields, "priceRp", "price"),
		Average:    numField(fields, "avgTransactPriceRp", "avgPriceRp", "avgPrice"),
		Amount:     numField(fields, "orderQtyRq", "orderQty"),
		Filled:     numField(fields, "cumQtyRq", "cumQty", "execQtyRq"),
		ReduceOnly: reduceOnly,
		Info:       fields,
	}, nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "filled":
		return "closed"
	case "canceled", "cancelled", "rejected":
		return "canceled"
	case "new", "created", "partiallyfilled", "untriggered":
		return "open"
	default:
		return strings.ToLower(s)
	}
}

func venueSide(side string) string {
	if strings.EqualFold(side, "sell") {
		return "Sell"
	}
	return "Buy"
}

func venueOrderType(t string) string {
	if strings.EqualFold(t, "limit") {
		return "Limit"
	}
	return "Market"
}

func venueTimeInForce(tif string) string {
	switch strings.ToUpper(tif) {
	case "IOC":
		return "ImmediateOrCancel"
	case "FOK":
		return "FillOrKill"
	case "PO", "POSTONLY":
		return "PostOnly"
	default:
		return "GoodTillCancel"
	}
}

// numField probes fields for the first key holding a usable number. Venue
// payloads mix native numbers and stringified decimals. Non-finite values
// are treated as absent; a stray "NaN" string must never reach a response.
func numField(fields map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			if finite(n) {
				return n
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil && finite(f) {
				return f
			}
		case json.Number:
			if f, err := n.Float64(); err == nil && finite(f) {
				return f
			}
		}
	}
	return 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func numJSON(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}
