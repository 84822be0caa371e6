// Package models defines the inbound TradingView signal schema and the
// parser for its free-form comment blob.
package models

import (
	"encoding/json"
	"math"
	"strings"
)

// Signal is the webhook payload sent by the charting source. Unknown fields
// are accepted and ignored; every field is optional at the schema level and
// validated downstream.
type Signal struct {
	ID                 string          `json:"id"`
	Symbol             string          `json:"symbol"`
	Ticker             string          `json:"ticker"`
	Side               string          `json:"side"`
	Action             string          `json:"action"` // alias of side
	Qty                *float64        `json:"qty"`
	Amount             *float64        `json:"amount"`
	Contracts          *float64        `json:"contracts"`
	Price              *float64        `json:"price"`
	Entry              *float64        `json:"entry"`
	SL                 *float64        `json:"sl"`
	TP                 *float64        `json:"tp"`
	MarketPosition     string          `json:"marketPosition"`
	MarketPositionSize *float64        `json:"marketPositionSize"`
	PrevMarketPosition string          `json:"prevMarketPosition"`
	Leverage           *float64        `json:"leverage"`
	ReduceOnly         bool            `json:"reduceOnly"`
	Timestamp          string          `json:"timestamp"`
	RelaySecret        string          `json:"relaySecret"`
	Comment            json.RawMessage `json:"comment"` // object or JSON-encoded string
	Strategy           string          `json:"strategy"`
	Sizing             string          `json:"sizing"` // "risk" | "notional" | "fixed"
	RiskPct            *float64        `json:"riskPct"`
	AllocPct           *float64        `json:"allocPct"`
	QtyPct             *float64        `json:"qtyPct"`
	Percent            *float64        `json:"percent"` // alias of qtyPct
}

// NormalizedSide maps side/action to "buy" or "sell", empty when absent.
func (s *Signal) NormalizedSide() string {
	v := s.Side
	if v == "" {
		v = s.Action
	}
	switch strings.ToLower(v) {
	case "buy", "long":
		return "buy"
	case "sell", "short":
		return "sell"
	}
	return ""
}

// QtyValue returns the first present of qty, amount, contracts.
func (s *Signal) QtyValue() *float64 {
	return PickNum(s.Qty, s.Amount, s.Contracts)
}

// StrategyName returns the explicit strategy tag, or derives one from the
// side: buy signals default to "bull", sell to "bear".
func (s *Signal) StrategyName() string {
	if tag := strings.ToLower(strings.TrimSpace(s.Strategy)); tag != "" {
		return tag
	}
	switch s.NormalizedSide() {
	case "buy":
		return "bull"
	case "sell":
		return "bear"
	}
	return "unknown"
}

// LeverageInt returns leverage as an int, 0 when absent.
func (s *Signal) LeverageInt() int {
	if s.Leverage == nil {
		return 0
	}
	return int(*s.Leverage)
}

// LogFields builds the received-signal log context. Secrets are the caller's
// concern; this map contains none.
func (s *Signal) LogFields() map[string]interface{} {
	fields := map[string]interface{}{
		"id":     s.ID,
		"symbol": firstNonEmpty(s.Symbol, s.Ticker),
		"action": firstNonEmpty(s.Action, s.Side),
	}
	if q := s.QtyValue(); q != nil {
		fields["qty"] = *q
	}
	if s.Price != nil {
		fields["price"] = *s.Price
	}
	return fields
}

// PickNum returns the first non-nil finite value.
func PickNum(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
			return v
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
