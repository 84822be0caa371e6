// Package orders executes signals against the venue: market/limit-IOC
// placement, completion polling, exit handling with realized-PnL accounting,
// and target-position reconciliation.
package orders

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"phemex-relay/config"
	"phemex-relay/internal/exchange"
	"phemex-relay/internal/market"
	"phemex-relay/internal/models"
	"phemex-relay/internal/pnl"
	"phemex-relay/internal/store"
)

// Desired is the normalized intent of a signal: a sized delta in one
// direction, an absolute position target, or neither.
type Desired struct {
	Mode           string // "delta" | "target" | "none"
	Side           string
	Amount         *float64
	MarketPosition string
	Size           float64
}

// DesiredFromSignal classifies the payload. Target form needs
// marketPosition+marketPositionSize; delta form needs a side, with or
// without an explicit quantity.
func DesiredFromSignal(sig *models.Signal) Desired {
	mp := strings.ToLower(sig.MarketPosition)
	if (mp == "long" || mp == "short" || mp == "flat") && sig.MarketPositionSize != nil {
		return Desired{Mode: "target", MarketPosition: mp, Size: *sig.MarketPositionSize}
	}
	side := sig.NormalizedSide()
	if side != "" {
		return Desired{Mode: "delta", Side: side, Amount: sig.QtyValue()}
	}
	return Desired{Mode: "none"}
}

// LooksExit reports whether the signal closes (part of) a position: a flat
// target, an id containing EXIT, or a side opposing the announced previous
// position.
func LooksExit(sig *models.Signal, desired Desired) bool {
	if strings.ToLower(sig.MarketPosition) == "flat" {
		return true
	}
	if strings.Contains(strings.ToUpper(sig.ID), "EXIT") {
		return true
	}
	prev := strings.ToLower(sig.PrevMarketPosition)
	side := desired.Side
	return (prev == "long" && side == "sell") || (prev == "short" && side == "buy")
}

// PositionSnapshot is the position state echoed in webhook responses.
type PositionSnapshot struct {
	Side  string   `json:"side"`
	Qty   float64  `json:"qty"`
	Entry *float64 `json:"entry,omitempty"`
}

// Engine places and tracks orders for one venue account.
type Engine struct {
	ex  exchange.Client
	mkt *market.Adapter
	st  store.Store
	cfg *config.Config
	log zerolog.Logger

	sleep func(time.Duration)
}

// NewEngine wires the engine.
func NewEngine(ex exchange.Client, mkt *market.Adapter, st store.Store, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{ex: ex, mkt: mkt, st: st, cfg: cfg, log: log, sleep: time.Sleep}
}

// PosSide infers the hedge-mode position tag. Entries tag the direction they
// open; reduce-only orders tag the direction they close.
func PosSide(side string, reduceOnly bool) string {
	s := strings.ToLower(side)
	if reduceOnly {
		switch s {
		case "sell":
			return "Long"
		case "buy":
			return "Short"
		}
		return ""
	}
	switch s {
	case "buy":
		return "Long"
	case "sell":
		return "Short"
	}
	return ""
}

// SetLeverageIfNeeded applies leverage best-effort; venues reject the call
// for open positions and that must not fail the signal.
func (e *Engine) SetLeverageIfNeeded(ctx context.Context, symbol string, leverage int) {
	if leverage <= 0 {
		leverage = e.cfg.SizingConfig.LevDefault
	}
	if err := e.ex.SetLeverage(ctx, leverage, symbol); err != nil {
		e.log.Warn().Str("event", "set_leverage_failed").Str("symbol", symbol).Int("leverage", leverage).Err(err).Msg("")
	}
}

// CreateMarketOrder places a market order, or a limit IOC at limitPx when the
// slippage guard demanded a banded price. Hedge mode adds the posSide tag.
func (e *Engine) CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, reduceOnly bool, limitPx *float64) (*exchange.Order, error) {
	opts := exchange.OrderOptions{ReduceOnly: reduceOnly}
	if e.cfg.ExchangeConfig.Hedged {
		opts.PosSide = PosSide(side, reduceOnly)
	}
	if limitPx == nil {
		return e.ex.CreateOrder(ctx, symbol, "market", side, amount, nil, opts)
	}
	opts.TimeInForce = "IOC"
	return e.ex.CreateOrder(ctx, symbol, "limit", side, amount, limitPx, opts)
}

// PollCompletion polls the order at a fixed interval until a terminal status
// or the retry budget runs out. Transport errors are swallowed; the last
// order record seen is returned, nil if every poll failed.
func (e *Engine) PollCompletion(ctx context.Context, symbol, orderID string) *exchange.Order {
	retries := e.cfg.RiskConfig.ReconcileRetries
	if retries < 1 {
		retries = 1
	}
	wait := time.Duration(e.cfg.RiskConfig.ReconcileInterval * float64(time.Second))
	if wait <= 0 {
		wait = time.Second
	}

	var last *exchange.Order
	for i := 0; i < retries; i++ {
		o, err := e.ex.FetchOrder(ctx, orderID, symbol)
		if err == nil && o != nil {
			last = o
			if o.Status == "closed" || o.Status == "canceled" {
				break
			}
		} else if err != nil {
			e.log.Debug().Str("event", "order_poll_failed").Str("order_id", orderID).Err(err).Msg("")
		}
		if ctx.Err() != nil {
			break
		}
		e.sleep(wait)
	}
	return last
}

// ExitOutcome is the result of an exit signal.
type ExitOutcome struct {
	NoPosition  bool
	CurSide     string
	CurQty      float64
	Order       *exchange.Order
	OrderFinal  *exchange.Order
	Final       PositionSnapshot
	RealizedPnL *float64
	DayTotals   *store.DayTotals
}

// ExecuteExit closes all or part of the current position with a reduce-only
// order, then settles realized PnL against the saved open-entry snapshot.
// qtyPct (clamped to [1,100]) takes precedence over an absolute amount; with
// neither, the full position is closed.
func (e *Engine) ExecuteExit(ctx context.Context, symbol, strategy string, qtyPct, amount *float64, exitRefPx float64) (*ExitOutcome, error) {
	curSide, curQty, err := e.mkt.SideQty(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := &ExitOutcome{CurSide: curSide, CurQty: curQty}
	if curQty <= 0 {
		out.NoPosition = true
		e.log.Info().Str("event", "exit_no_position").Str("symbol", symbol).Msg("")
		return out, nil
	}

	var amt float64
	switch {
	case qtyPct != nil:
		pct := *qtyPct
		if pct < 1 {
			pct = 1
		}
		if pct > 100 {
			pct = 100
		}
		amt = curQty * pct / 100.0
	case amount != nil:
		amt = *amount
		if amt > curQty {
			amt = curQty
		}
	default:
		amt = curQty
	}

	mi := e.mkt.Info(ctx, symbol)
	amt = market.RoundStep(amt, mi.AmountStep)
	if amt <= 0 {
		out.NoPosition = true
		e.log.Info().Str("event", "exit_amount_too_small").Str("symbol", symbol).Float64("cur_qty", curQty).Msg("")
		return out, nil
	}

	execSide := "sell"
	if curSide == "short" {
		execSide = "buy"
	}
	mode := "full"
	if amt < curQty {
		mode = "partial"
	}
	e.log.Info().
		Str("event", "exit_reduce_only").
		Str("symbol", symbol).
		Str("cur_side", curSide).
		Float64("cur_qty", curQty).
		Str("exec_side", execSide).
		Float64("amount", amt).
		Str("mode", mode).
		Msg("")

	order, err := e.CreateMarketOrder(ctx, symbol, execSide, amt, true, nil)
	if err != nil {
		return nil, err
	}
	out.Order = order

	if order.ID != "" {
		out.OrderFinal = e.PollCompletion(ctx, symbol, order.ID)
	}

	if out.OrderFinal != nil && out.OrderFinal.Status == "canceled" && out.OrderFinal.Filled == 0 {
		// Nothing filled, nothing to settle.
		side, qty, serr := e.mkt.SideQty(ctx, symbol)
		if serr == nil {
			out.Final = PositionSnapshot{Side: side, Qty: qty}
		}
		return out, nil
	}

	exitPx := exitRefPx
	if out.OrderFinal != nil && out.OrderFinal.Average > 0 {
		exitPx = out.OrderFinal.Average
	}
	if exitPx <= 0 {
		if live, perr := e.mkt.Price(ctx, symbol, e.cfg.RiskConfig.UseMarkPrice); perr == nil {
			exitPx = live
		}
	}
	e.settleExit(ctx, strategy, amt, exitPx, out)

	side, qty, err := e.mkt.SideQty(ctx, symbol)
	if err == nil {
		out.Final = PositionSnapshot{Side: side, Qty: qty}
	}
	return out, nil
}

// settleExit computes realized PnL from the open-entry snapshot. A missing
// snapshot, or a partial exit, keeps (or re-saves) the remainder.
func (e *Engine) settleExit(ctx context.Context, strategy string, amt, exitPx float64, out *ExitOutcome) {
	entry, err := e.st.PopOpenEntry(ctx, strategy)
	if err != nil {
		e.log.Warn().Str("event", "open_entry_read_failed").Err(err).Msg("")
		return
	}
	if entry == nil || exitPx <= 0 {
		return
	}

	closed := amt
	if closed > entry.Amount {
		closed = entry.Amount
	}
	realized := pnl.RealizedSimple(entry.Side, entry.Entry, exitPx, closed, e.cfg.RiskConfig.TakerFee)
	out.RealizedPnL = &realized

	totals, err := pnl.AfterExitUpdate(ctx, e.st, e.cfg.CooldownConfig, e.log, strategy, realized)
	if err != nil {
		e.log.Warn().Str("event", "pnl_update_failed").Err(err).Msg("")
	} else {
		out.DayTotals = &totals
	}

	if remain := entry.Amount - closed; remain > 0 {
		rest := *entry
		rest.Amount = remain
		if err := e.st.SaveOpenEntry(ctx, strategy, rest); err != nil {
			e.log.Warn().Str("event", "open_entry_save_failed").Err(err).Msg("")
		}
	}

	e.log.Info().
		Str("event", "exit_settled").
		Str("strategy", strategy).
		Float64("realized_pnl", realized).
		Float64("exit_px", exitPx).
		Float64("closed", closed).
		Msg("")
}

// EntryOutcome is the result of a delta entry.
type EntryOutcome struct {
	Order      *exchange.Order
	OrderFinal *exchange.Order
	FilledAvg  float64
}

// ExecuteEntry places the sized entry and persists the open-entry snapshot
// on a successful non-reduce-only fill.
func (e *Engine) ExecuteEntry(ctx context.Context, symbol, strategy, side string, amount float64, reduceOnly bool, limitPx *float64, entryPx float64) (*EntryOutcome, error) {
	order, err := e.CreateMarketOrder(ctx, symbol, side, amount, reduceOnly, limitPx)
	if err != nil {
		return nil, err
	}
	out := &EntryOutcome{Order: order}
	if order.ID == "" {
		return out, nil
	}

	out.OrderFinal = e.PollCompletion(ctx, symbol, order.ID)

	filledAvg := entryPx
	if out.OrderFinal != nil {
		if out.OrderFinal.Average > 0 {
			filledAvg = out.OrderFinal.Average
		} else if out.OrderFinal.Price > 0 {
			filledAvg = out.OrderFinal.Price
		}
	}
	out.FilledAvg = filledAvg

	if !reduceOnly {
		snap := store.OpenEntry{Strategy: strategy, Side: side, Entry: filledAvg, Amount: amount}
		if err := e.st.SaveOpenEntry(ctx, strategy, snap); err != nil {
			e.log.Warn().Str("event", "open_entry_save_failed").Err(err).Msg("")
		}
	}
	return out, nil
}

// SideQtyPair reports a position side and quantity in reconcile summaries.
type SideQtyPair struct {
	Side string  `json:"side"`
	Qty  float64 `json:"qty"`
}

// Reconcile summarizes a target reconciliation.
type Reconcile struct {
	Current SideQtyPair `json:"current"`
	Target  SideQtyPair `json:"target"`
}

// ReconcileTarget drives the position to (marketPosition, size): flat closes
// everything, a same-side mismatch adjusts by the difference, an opposite
// side closes first and reopens at the target size.
func (e *Engine) ReconcileTarget(ctx context.Context, symbol string, desired Desired) (*Reconcile, error) {
	curSide, curQty, err := e.mkt.SideQty(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if desired.MarketPosition == "flat" {
		if curQty > 0 {
			side := "sell"
			if curSide == "short" {
				side = "buy"
			}
			if _, err := e.CreateMarketOrder(ctx, symbol, side, curQty, true, nil); err != nil {
				return nil, err
			}
		}
		s, q, _ := e.mkt.SideQty(ctx, symbol)
		return &Reconcile{Current: SideQtyPair{s, q}, Target: SideQtyPair{"flat", 0}}, nil
	}

	targetSide := "long"
	if desired.MarketPosition == "short" {
		targetSide = "short"
	}
	if curSide == targetSide {
		diff := desired.Size - curQty
		if diff > 0 {
			side := "buy"
			if targetSide == "short" {
				side = "sell"
			}
			if _, err := e.CreateMarketOrder(ctx, symbol, side, diff, false, nil); err != nil {
				return nil, err
			}
		} else if diff < 0 {
			side := "sell"
			if targetSide == "short" {
				side = "buy"
			}
			if _, err := e.CreateMarketOrder(ctx, symbol, side, -diff, true, nil); err != nil {
				return nil, err
			}
		}
	} else {
		if curQty > 0 {
			closeSide := "sell"
			if curSide == "short" {
				closeSide = "buy"
			}
			if _, err := e.CreateMarketOrder(ctx, symbol, closeSide, curQty, true, nil); err != nil {
				return nil, err
			}
		}
		if desired.Size > 0 {
			openSide := "buy"
			if targetSide == "short" {
				openSide = "sell"
			}
			if _, err := e.CreateMarketOrder(ctx, symbol, openSide, desired.Size, false, nil); err != nil {
				return nil, err
			}
		}
	}

	s, q, _ := e.mkt.SideQty(ctx, symbol)
	return &Reconcile{Current: SideQtyPair{s, q}, Target: SideQtyPair{targetSide, desired.Size}}, nil
}

// Snapshot reads the current position for response assembly.
func (e *Engine) Snapshot(ctx context.Context, symbol string) PositionSnapshot {
	p, err := e.mkt.Position(ctx, symbol)
	if err != nil || p == nil {
		return PositionSnapshot{}
	}
	entry := p.EntryPrice
	return PositionSnapshot{Side: p.Side, Qty: p.Contracts, Entry: &entry}
}

// EnsurePositionMode pushes the configured position mode to the venue at
// startup, best-effort.
func (e *Engine) EnsurePositionMode(ctx context.Context, symbol string) {
	if err := e.ex.SetPositionMode(ctx, e.cfg.ExchangeConfig.Hedged, symbol); err != nil {
		e.log.Warn().Str("event", "position_mode_failed").Bool("hedged", e.cfg.ExchangeConfig.Hedged).Err(err).Msg("")
	}
}
