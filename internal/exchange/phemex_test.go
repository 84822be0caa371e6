package exchange

import (
	"encoding/json"
	"testing"
)

func TestVenueSymbol(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ETH/USDT:USDT", "ETHUSDT"},
		{"BTC/USD:USD", "BTCUSD"},
		{"SOL/USDT", "SOLUSDT"},
		{"ETHUSDT", "ETHUSDT"},
	}
	for _, tc := range cases {
		if got := VenueSymbol(tc.in); got != tc.want {
			t.Errorf("VenueSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSignCoversPathQueryExpiryBody(t *testing.T) {
	c := &PhemexClient{secretKey: "test-secret"}
	a := c.sign("/g-orders/create", "symbol=ETHUSDT", "1700000000", "")
	b := c.sign("/g-orders/create", "symbol=BTCUSDT", "1700000000", "")
	if a == b {
		t.Error("different queries must not share a signature")
	}
	if a != c.sign("/g-orders/create", "symbol=ETHUSDT", "1700000000", "") {
		t.Error("signature must be deterministic")
	}
}

func TestCanonicalQueryIsSorted(t *testing.T) {
	got := canonicalQuery(map[string]string{"symbol": "ETHUSDT", "clOrdID": "x", "side": "Buy"})
	want := "clOrdID=x&side=Buy&symbol=ETHUSDT"
	if got != want {
		t.Errorf("canonicalQuery = %q, want %q", got, want)
	}
	if canonicalQuery(nil) != "" {
		t.Error("empty params must produce an empty query")
	}
}

func TestEnvelopePayload(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"trading ok", `{"code":0,"msg":"","data":{"orderID":"1"}}`, true},
		{"trading error", `{"code":10002,"msg":"OM_ORDER_NOT_FOUND"}`, false},
		{"market data ok", `{"error":null,"id":0,"result":{"lastRp":"2500"}}`, true},
		{"market data error", `{"error":{"code":6001,"message":"invalid symbol"}}`, false},
	}
	for _, tc := range cases {
		var env phemexEnvelope
		if err := json.Unmarshal([]byte(tc.body), &env); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		_, err := env.payload()
		if (err == nil) != tc.ok {
			t.Errorf("%s: payload err = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestParseOrderStringFields(t *testing.T) {
	c := &PhemexClient{}
	raw := []byte(`{
		"orderID": "abc-123",
		"side": "Buy",
		"ordType": "Limit",
		"ordStatus": "Filled",
		"priceRp": "2510.5",
		"avgTransactPriceRp": "2509.9",
		"orderQtyRq": "0.4",
		"cumQtyRq": "0.4",
		"reduceOnly": false
	}`)
	o, err := c.parseOrder(raw, "ETH/USDT:USDT")
	if err != nil {
		t.Fatal(err)
	}
	if o.ID != "abc-123" || o.Side != "buy" || o.Type != "limit" {
		t.Errorf("identity fields wrong: %+v", o)
	}
	if o.Status != "closed" {
		t.Errorf("status = %q, want closed", o.Status)
	}
	if o.Price != 2510.5 || o.Average != 2509.9 || o.Amount != 0.4 || o.Filled != 0.4 {
		t.Errorf("numeric fields wrong: %+v", o)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"Filled":          "closed",
		"Canceled":        "canceled",
		"Cancelled":       "canceled",
		"Rejected":        "canceled",
		"New":             "open",
		"PartiallyFilled": "open",
		"Triggered":       "triggered",
	}
	for in, want := range cases {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNumFieldProbing(t *testing.T) {
	fields := map[string]interface{}{
		"native": 1.5,
		"str":    "2.5",
		"junk":   "abc",
	}
	if got := numField(fields, "missing", "native"); got != 1.5 {
		t.Errorf("native probe = %v", got)
	}
	if got := numField(fields, "str"); got != 2.5 {
		t.Errorf("string probe = %v", got)
	}
	if got := numField(fields, "junk", "str"); got != 2.5 {
		t.Errorf("junk should be skipped, got %v", got)
	}
	if got := numField(fields, "missing"); got != 0 {
		t.Errorf("missing key = %v, want 0", got)
	}
}

func TestNumFieldRejectsNonFinite(t *testing.T) {
	fields := map[string]interface{}{
		"nan":    "NaN",
		"inf":    "Inf",
		"neginf": "-inf",
		"good":   "3.5",
	}
	for _, key := range []string{"nan", "inf", "neginf"} {
		if got := numField(fields, key); got != 0 {
			t.Errorf("numField(%q) = %v, want 0", key, got)
		}
	}
	if got := numField(fields, "nan", "good"); got != 3.5 {
		t.Errorf("non-finite value must fall through to the next key, got %v", got)
	}
}
