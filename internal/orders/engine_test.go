package orders

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"phemex-relay/config"
	"phemex-relay/internal/exchange"
	"phemex-relay/internal/market"
	"phemex-relay/internal/models"
	"phemex-relay/internal/store"
)

func testEngineConfig() *config.Config {
	return &config.Config{
		RiskConfig: config.RiskConfig{
			TakerFee:          0.0006,
			ReconcileRetries:  3,
			ReconcileInterval: 0.01,
			UseMarkPrice:      false,
		},
		SizingConfig: config.SizingConfig{LevDefault: 20},
		CooldownConfig: config.CooldownConfig{
			LossStreakLimitBull: 5,
			LossStreakLimitBear: 4,
			CooldownMinBull:     90,
			CooldownMinBear:     120,
		},
	}
}

func newTestEngine(mock *exchange.MockClient, st store.Store) *Engine {
	mkt := market.NewAdapter(mock, zerolog.Nop())
	e := NewEngine(mock, mkt, st, testEngineConfig(), zerolog.Nop())
	e.sleep = func(time.Duration) {}
	return e
}

func fptr(v float64) *float64 { return &v }

func TestDesiredFromSignal(t *testing.T) {
	cases := []struct {
		name string
		sig  models.Signal
		mode string
	}{
		{"target", models.Signal{MarketPosition: "long", MarketPositionSize: fptr(2)}, "target"},
		{"flat target", models.Signal{MarketPosition: "flat", MarketPositionSize: fptr(0)}, "target"},
		{"delta with qty", models.Signal{Side: "buy", Qty: fptr(1)}, "delta"},
		{"delta without qty", models.Signal{Action: "long"}, "delta"},
		{"none", models.Signal{}, "none"},
		{"target without size is delta-less", models.Signal{MarketPosition: "long"}, "none"},
	}
	for _, tc := range cases {
		if got := DesiredFromSignal(&tc.sig); got.Mode != tc.mode {
			t.Errorf("%s: mode = %q, want %q", tc.name, got.Mode, tc.mode)
		}
	}
}

func TestLooksExit(t *testing.T) {
	cases := []struct {
		name string
		sig  models.Signal
		want bool
	}{
		{"flat position", models.Signal{MarketPosition: "flat"}, true},
		{"exit in id", models.Signal{ID: "strat-EXIT-42", Side: "buy"}, true},
		{"exit lowercase id", models.Signal{ID: "my-exit-1", Side: "buy"}, true},
		{"prev long sell", models.Signal{PrevMarketPosition: "long", Side: "sell"}, true},
		{"prev short buy", models.Signal{PrevMarketPosition: "short", Side: "buy"}, true},
		{"prev long buy adds", models.Signal{PrevMarketPosition: "long", Side: "buy"}, false},
		{"plain entry", models.Signal{ID: "open-7", Side: "buy"}, false},
	}
	for _, tc := range cases {
		d := DesiredFromSignal(&tc.sig)
		if got := LooksExit(&tc.sig, d); got != tc.want {
			t.Errorf("%s: LooksExit = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPosSide(t *testing.T) {
	cases := []struct {
		side       string
		reduceOnly bool
		want       string
	}{
		{"buy", false, "Long"},
		{"sell", false, "Short"},
		{"sell", true, "Long"},
		{"buy", true, "Short"},
		{"", false, ""},
	}
	for _, tc := range cases {
		if got := PosSide(tc.side, tc.reduceOnly); got != tc.want {
			t.Errorf("PosSide(%q, %v) = %q, want %q", tc.side, tc.reduceOnly, got, tc.want)
		}
	}
}

func TestPollCompletionWalksToTerminal(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())
	ctx := context.Background()

	o, _ := mock.CreateOrder(ctx, "ETH/USDT:USDT", "market", "buy", 1, nil, exchange.OrderOptions{})
	mock.StatusScript[o.ID] = []string{"open", "open", "closed"}

	last := e.PollCompletion(ctx, "ETH/USDT:USDT", o.ID)
	if last == nil || last.Status != "closed" {
		t.Errorf("last = %+v, want closed", last)
	}
}

func TestPollCompletionSwallowsErrors(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())

	mock.FetchOrderErr = context.DeadlineExceeded
	last := e.PollCompletion(context.Background(), "ETH/USDT:USDT", "whatever")
	if last != nil {
		t.Errorf("all polls failing must return nil last-seen, got %+v", last)
	}
}

func TestPollCompletionReturnsLastSeenOnBudget(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())
	ctx := context.Background()

	o, _ := mock.CreateOrder(ctx, "ETH/USDT:USDT", "market", "buy", 1, nil, exchange.OrderOptions{})
	mock.StatusScript[o.ID] = []string{"open"}

	last := e.PollCompletion(ctx, "ETH/USDT:USDT", o.ID)
	if last == nil || last.Status != "open" {
		t.Errorf("exhausted budget must return the last-seen record, got %+v", last)
	}
}

func TestCreateMarketOrderHedgeTagging(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())
	e.cfg.ExchangeConfig.Hedged = true
	ctx := context.Background()

	e.CreateMarketOrder(ctx, "ETH/USDT:USDT", "buy", 1, false, nil)
	e.CreateMarketOrder(ctx, "ETH/USDT:USDT", "sell", 1, true, nil)

	if got := mock.Calls[0].Opts.PosSide; got != "Long" {
		t.Errorf("entry posSide = %q, want Long", got)
	}
	if got := mock.Calls[1].Opts.PosSide; got != "Long" {
		t.Errorf("reduce-only sell posSide = %q, want Long", got)
	}
}

func TestCreateMarketOrderLimitIOC(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())

	px := 1004.0
	e.CreateMarketOrder(context.Background(), "ETH/USDT:USDT", "buy", 1, false, &px)

	call := mock.Calls[0]
	if call.Type != "limit" || call.Opts.TimeInForce != "IOC" || call.Price == nil || *call.Price != 1004 {
		t.Errorf("limit-IOC call = %+v", call)
	}
}

func TestExecuteExitPartialWithPnL(t *testing.T) {
	mock := exchange.NewMockClient()
	st := store.NewMemoryStore()
	e := newTestEngine(mock, st)
	ctx := context.Background()

	mock.SetPositions([]exchange.Position{
		{Symbol: "ETH/USDT:USDT", Side: "long", Contracts: 1.0, EntryPrice: 1000},
	})
	mock.FilledAvg["*"] = 1100
	st.SaveOpenEntry(ctx, "bull", store.OpenEntry{Strategy: "bull", Side: "buy", Entry: 1000, Amount: 1.0})

	out, err := e.ExecuteExit(ctx, "ETH/USDT:USDT", "bull", fptr(40), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.NoPosition {
		t.Fatal("position exists")
	}

	call := mock.Calls[0]
	if call.Side != "sell" || !call.Opts.ReduceOnly || math.Abs(call.Amount-0.40) > 1e-9 {
		t.Errorf("exit order = %+v, want reduce-only sell 0.40", call)
	}
	if out.RealizedPnL == nil || math.Abs(*out.RealizedPnL-39.496) > 1e-9 {
		t.Errorf("realized = %v, want 39.496", out.RealizedPnL)
	}
	if out.DayTotals == nil || math.Abs(out.DayTotals.PnL-39.496) > 1e-9 {
		t.Errorf("day totals = %+v", out.DayTotals)
	}

	// The unclosed remainder stays on the snapshot.
	rest, _ := st.PopOpenEntry(ctx, "bull")
	if rest == nil || math.Abs(rest.Amount-0.60) > 1e-9 {
		t.Errorf("remaining snapshot = %+v, want 0.60", rest)
	}
}

func TestExecuteExitAbsoluteAmountClamped(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())
	mock.SetPositions([]exchange.Position{
		{Symbol: "ETH/USDT:USDT", Side: "short", Contracts: 0.5, EntryPrice: 2000},
	})

	out, err := e.ExecuteExit(context.Background(), "ETH/USDT:USDT", "bear", nil, fptr(2.0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.NoPosition {
		t.Fatal("position exists")
	}
	call := mock.Calls[0]
	if call.Side != "buy" || math.Abs(call.Amount-0.5) > 1e-9 {
		t.Errorf("short exit = %+v, want buy 0.5 (clamped)", call)
	}
}

func TestExecuteExitNoPosition(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())

	out, err := e.ExecuteExit(context.Background(), "ETH/USDT:USDT", "bull", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !out.NoPosition {
		t.Error("flat book must report NoPosition")
	}
	if len(mock.Calls) != 0 {
		t.Error("no order may be placed when flat")
	}
}

func TestExecuteExitLossArmsCooldown(t *testing.T) {
	mock := exchange.NewMockClient()
	st := store.NewMemoryStore()
	e := newTestEngine(mock, st)
	ctx := context.Background()

	mock.SetPositions([]exchange.Position{
		{Symbol: "ETH/USDT:USDT", Side: "short", Contracts: 1, EntryPrice: 1000},
	})
	mock.FilledAvg["*"] = 1100 // short loses on the way up
	st.SetLossStreak(ctx, "bear", 3)
	st.SaveOpenEntry(ctx, "bear", store.OpenEntry{Strategy: "bear", Side: "sell", Entry: 1000, Amount: 1})

	out, err := e.ExecuteExit(ctx, "ETH/USDT:USDT", "bear", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if out.RealizedPnL == nil || *out.RealizedPnL >= 0 {
		t.Fatalf("realized = %v, want a loss", out.RealizedPnL)
	}
	active, _, _ := st.CooldownActive(ctx, "bear")
	if !active {
		t.Error("fourth consecutive bear loss must arm the cooldown")
	}
}

func TestExecuteEntrySavesSnapshot(t *testing.T) {
	mock := exchange.NewMockClient()
	st := store.NewMemoryStore()
	e := newTestEngine(mock, st)
	ctx := context.Background()

	mock.FilledAvg["*"] = 2001.5
	out, err := e.ExecuteEntry(ctx, "ETH/USDT:USDT", "bull", "buy", 0.4, false, nil, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if out.FilledAvg != 2001.5 {
		t.Errorf("filled avg = %v, want 2001.5", out.FilledAvg)
	}

	snap, _ := st.PopOpenEntry(ctx, "bull")
	if snap == nil || snap.Side != "buy" || snap.Entry != 2001.5 || snap.Amount != 0.4 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestExecuteEntryReduceOnlySkipsSnapshot(t *testing.T) {
	mock := exchange.NewMockClient()
	st := store.NewMemoryStore()
	e := newTestEngine(mock, st)
	ctx := context.Background()

	if _, err := e.ExecuteEntry(ctx, "ETH/USDT:USDT", "bull", "sell", 0.4, true, nil, 2000); err != nil {
		t.Fatal(err)
	}
	if snap, _ := st.PopOpenEntry(ctx, "bull"); snap != nil {
		t.Errorf("reduce-only entry must not save a snapshot, got %+v", snap)
	}
}

func TestReconcileTargetFlat(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())
	mock.SetPositions([]exchange.Position{
		{Symbol: "ETH/USDT:USDT", Side: "long", Contracts: 1.5},
	})

	rec, err := e.ReconcileTarget(context.Background(), "ETH/USDT:USDT", Desired{Mode: "target", MarketPosition: "flat"})
	if err != nil {
		t.Fatal(err)
	}
	call := mock.Calls[0]
	if call.Side != "sell" || !call.Opts.ReduceOnly || call.Amount != 1.5 {
		t.Errorf("flat close = %+v", call)
	}
	if rec.Target.Side != "flat" || rec.Target.Qty != 0 {
		t.Errorf("target = %+v", rec.Target)
	}
}

func TestReconcileTargetSameSideDelta(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())
	ctx := context.Background()
	mock.SetPositions([]exchange.Position{
		{Symbol: "ETH/USDT:USDT", Side: "long", Contracts: 1.0},
	})

	// Grow 1.0 -> 1.6.
	e.ReconcileTarget(ctx, "ETH/USDT:USDT", Desired{MarketPosition: "long", Size: 1.6})
	grow := mock.Calls[0]
	if grow.Side != "buy" || grow.Opts.ReduceOnly || math.Abs(grow.Amount-0.6) > 1e-9 {
		t.Errorf("grow = %+v, want buy 0.6", grow)
	}

	// Shrink 1.0 -> 0.3.
	e.ReconcileTarget(ctx, "ETH/USDT:USDT", Desired{MarketPosition: "long", Size: 0.3})
	shrink := mock.Calls[1]
	if shrink.Side != "sell" || !shrink.Opts.ReduceOnly || math.Abs(shrink.Amount-0.7) > 1e-9 {
		t.Errorf("shrink = %+v, want reduce-only sell 0.7", shrink)
	}
}

func TestReconcileTargetFlip(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())
	mock.SetPositions([]exchange.Position{
		{Symbol: "ETH/USDT:USDT", Side: "long", Contracts: 1.0},
	})

	_, err := e.ReconcileTarget(context.Background(), "ETH/USDT:USDT", Desired{MarketPosition: "short", Size: 2.0})
	if err != nil {
		t.Fatal(err)
	}
	if len(mock.Calls) != 2 {
		t.Fatalf("flip must place 2 orders, got %d", len(mock.Calls))
	}
	closeCall, openCall := mock.Calls[0], mock.Calls[1]
	if closeCall.Side != "sell" || !closeCall.Opts.ReduceOnly || closeCall.Amount != 1.0 {
		t.Errorf("close leg = %+v", closeCall)
	}
	if openCall.Side != "sell" || openCall.Opts.ReduceOnly || openCall.Amount != 2.0 {
		t.Errorf("open leg = %+v", openCall)
	}
}

func TestSetLeverageBestEffort(t *testing.T) {
	mock := exchange.NewMockClient()
	e := newTestEngine(mock, store.NewMemoryStore())

	e.SetLeverageIfNeeded(context.Background(), "ETH/USDT:USDT", 8)
	if mock.Leverage["ETH/USDT:USDT"] != 8 {
		t.Errorf("leverage = %d, want 8", mock.Leverage["ETH/USDT:USDT"])
	}

	e.SetLeverageIfNeeded(context.Background(), "ETH/USDT:USDT", 0)
	if mock.Leverage["ETH/USDT:USDT"] != 20 {
		t.Errorf("zero leverage must fall back to the default, got %d", mock.Leverage["ETH/USDT:USDT"])
	}
}
