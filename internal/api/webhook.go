package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"phemex-relay/internal/logging"
	"phemex-relay/internal/models"
	"phemex-relay/internal/orders"
	"phemex-relay/internal/risk"
	"phemex-relay/internal/sizing"
	"phemex-relay/internal/store"
	"phemex-relay/internal/symbols"
)

// handleWebhook runs the full signal pipeline. Gates that reject a claimed
// signal release the idempotency key so the sender may retry; a completed
// trade keeps the claim for the TTL.
func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	clientIP := c.ClientIP()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	var sig models.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		s.log.Warn().Str("event", "invalid_payload").Str("ip", clientIP).Err(err).Msg("")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	// Auth before any state is touched.
	if s.cfg.RelaySharedSecret != "" && sig.RelaySecret != s.cfg.RelaySharedSecret {
		s.log.Warn().
			Str("event", "auth_failed").
			Str("ip", clientIP).
			Interface("body", redactedBody(body)).
			Msg("")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	s.log.Info().
		Str("event", "webhook_received").
		Str("ip", clientIP).
		Fields(sig.LogFields()).
		Msg("")

	claimed, err := s.st.ClaimIdempotency(ctx, sig.ID, time.Duration(s.cfg.IdempotencyTTL)*time.Second)
	if err != nil {
		if errors.Is(err, store.ErrMissingID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload must include a signal id"})
			return
		}
		s.log.Error().Str("event", "idempotency_claim_failed").Str("id", sig.ID).Err(err).Msg("")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state store unavailable"})
		return
	}
	if !claimed {
		s.log.Info().Str("event", "ignored_duplicate").Str("id", sig.ID).Msg("")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate_ignored", "id": sig.ID})
		return
	}
	release := func() {
		if err := s.st.ReleaseIdempotency(ctx, sig.ID); err != nil {
			s.log.Warn().Str("event", "idempotency_release_failed").Str("id", sig.ID).Err(err).Msg("")
		}
	}

	serverUID := uuid.New().String()
	sym := s.resolveSymbol(&sig)
	desired := orders.DesiredFromSignal(&sig)
	if desired.Mode == "none" {
		release()
		s.log.Warn().
			Str("event", "invalid_payload").
			Str("id", sig.ID).
			Str("reason", "missing_target_or_delta").
			Interface("body", redactedBody(body)).
			Msg("")
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must include action+qty or marketPosition+marketPositionSize"})
		return
	}

	strategy := sig.StrategyName()
	reg, regMeta := s.evaluator.Evaluate(ctx)

	// Global gates: daily drawdown, then strategy cooldown.
	blocked, ddMeta, err := s.st.DailyDrawdownBlocked(ctx, s.cfg.RiskConfig.DailyMaxDDUSDT)
	if err != nil {
		release()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state store unavailable"})
		return
	}
	if blocked {
		release()
		s.log.Warn().Str("event", "blocked_daily_dd").Str("id", sig.ID).Interface("meta", ddMeta).Msg("")
		c.JSON(http.StatusOK, gin.H{"status": "blocked_daily_dd", "meta": ddMeta})
		return
	}

	cooling, until, err := s.st.CooldownActive(ctx, strategy)
	if err != nil {
		release()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state store unavailable"})
		return
	}
	if cooling {
		release()
		s.log.Warn().Str("event", "blocked_cooldown").Str("id", sig.ID).Str("strategy", strategy).Int64("until_ms", until).Msg("")
		c.JSON(http.StatusOK, gin.H{"status": "blocked_cooldown", "strategy": strategy, "until_ms": until})
		return
	}

	// Slippage guard: a breach converts the entry into a banded limit IOC.
	var refPrice float64
	if sig.Price != nil {
		refPrice = *sig.Price
	}
	var limitPx *float64
	if err := risk.SlippageGuard(ctx, s.cfg.RiskConfig, s.mkt, sym, refPrice); err != nil {
		var se *risk.SlippageError
		if !errors.As(err, &se) {
			release()
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		px := risk.LimitBandPrice(refPrice, s.cfg.RiskConfig.MaxSlippage, desired.Side)
		limitPx = &px
		s.log.Warn().
			Str("event", "slippage_limit_band").
			Str("id", sig.ID).
			Float64("slip", se.Slip).
			Float64("limit_px", px).
			Msg("")
	}

	alloc, levByRegime := risk.AllocAndLeverage(s.cfg.RiskConfig, s.cfg.SizingConfig, strategy, reg)
	if alloc <= 0 {
		release()
		s.log.Warn().Str("event", "blocked_by_regime").Str("id", sig.ID).Str("strategy", strategy).Str("regime", reg).Msg("")
		c.JSON(http.StatusOK, Sanitize(gin.H{
			"status":   "blocked_by_regime",
			"strategy": strategy,
			"regime":   reg,
			"meta":     regMeta,
		}))
		return
	}

	lev := sig.LeverageInt()
	if lev == 0 {
		lev = levByRegime
	}
	s.engine.SetLeverageIfNeeded(ctx, sym, lev)

	comm := models.ParseComment(sig.Comment)
	result := gin.H{
		"mode":        desired.Mode,
		"server_uid":  serverUID,
		"regime":      reg,
		"regime_meta": regMeta,
	}

	if orders.LooksExit(&sig, desired) {
		s.runExit(c, &sig, sym, strategy, comm, refPrice, result)
		return
	}

	switch desired.Mode {
	case "delta":
		s.runEntry(c, &sig, desired, sym, strategy, comm, alloc, lev, limitPx, release, result)
	case "target":
		s.runTarget(c, &sig, desired, sym, release, result)
	}
}

// resolveSymbol maps the payload ticker to the canonical venue symbol,
// substituting the configured fallback when no canonical form exists.
func (s *Server) resolveSymbol(sig *models.Signal) string {
	raw := sig.Symbol
	if raw == "" {
		raw = sig.Ticker
	}
	if raw != "" {
		if canon, ok := symbols.ToVenue(raw); ok {
			return canon
		}
	}
	return s.cfg.SymbolFallback
}

func (s *Server) runExit(c *gin.Context, sig *models.Signal, sym, strategy string, comm models.Comment, refPrice float64, result gin.H) {
	ctx := c.Request.Context()

	qtyPct := models.PickNum(sig.QtyPct, comm.Num("qtyPct"), sig.Percent)
	amount := models.PickNum(sig.Amount, sig.Qty, sig.Contracts, comm.Num("amount"))

	out, err := s.engine.ExecuteExit(ctx, sym, strategy, qtyPct, amount, refPrice)
	if err != nil {
		s.st.ReleaseIdempotency(ctx, sig.ID)
		s.log.Error().Str("event", "error_processing").Str("id", sig.ID).Err(err).Msg("")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if out.NoPosition {
		c.JSON(http.StatusOK, gin.H{
			"status": "no_position_to_exit",
			"symbol": sym,
			"side":   out.CurSide,
			"qty":    out.CurQty,
		})
		return
	}

	result["order"] = out.Order
	result["order_final"] = out.OrderFinal
	result["final_position"] = out.Final
	if out.RealizedPnL != nil {
		result["realized_pnl"] = *out.RealizedPnL
	}
	if out.DayTotals != nil {
		result["day_pnl"] = out.DayTotals.PnL
		result["day_peak"] = out.DayTotals.Peak
		result["day_dd"] = out.DayTotals.Drawdown
	}
	s.log.Info().Str("event", "webhook_processed_exit").Str("id", sig.ID).Interface("final_position", out.Final).Msg("")
	c.JSON(http.StatusOK, Sanitize(result))
}

func (s *Server) runEntry(c *gin.Context, sig *models.Signal, desired orders.Desired, sym, strategy string, comm models.Comment, alloc float64, lev int, limitPx *float64, release func(), result gin.H) {
	ctx := c.Request.Context()

	entryPx := 0.0
	if v := models.PickNum(sig.Entry, comm.Num("entry"), sig.Price); v != nil {
		entryPx = *v
	}
	if entryPx <= 0 {
		if live, err := s.mkt.Price(ctx, sym, s.cfg.RiskConfig.UseMarkPrice); err == nil {
			entryPx = live
		}
	}

	var amt float64
	var err error
	if s.cfg.SizingConfig.ServerSizing && desired.Amount == nil {
		allocPct := alloc
		if sig.AllocPct != nil {
			allocPct = *sig.AllocPct
		}
		equity := s.mkt.Equity(ctx, s.cfg.EquityConfig.Code, s.cfg.EquityConfig.Source, s.cfg.EquityConfig.Debug)
		amt, err = sizing.ComputeAmount(ctx, s.cfg.SizingConfig, s.cfg.RiskConfig, s.mkt, sym, sizing.Inputs{
			Side:     desired.Side,
			Entry:    entryPx,
			Comment:  comm,
			Mode:     sig.Sizing,
			RiskPct:  sig.RiskPct,
			AllocPct: &allocPct,
			Leverage: &lev,
		}, equity)
	} else if desired.Amount != nil {
		buffered := *desired.Amount * (1.0 - s.cfg.RiskConfig.FeeBuffer)
		amt, err = sizing.ApplyExplicit(ctx, s.cfg.RiskConfig, s.mkt, sym, buffered, entryPx)
	} else {
		err = &sizing.ConstraintError{Reason: "no amount and server sizing disabled"}
	}
	if err != nil {
		release()
		var ce *sizing.ConstraintError
		if errors.As(err, &ce) {
			s.log.Warn().Str("event", "sizing_rejected").Str("id", sig.ID).Str("reason", ce.Reason).Msg("")
			c.JSON(http.StatusBadRequest, gin.H{"error": ce.Reason})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	var fr *float64
	if rate, ferr := s.mkt.Client().FetchFundingRate(ctx, sym); ferr == nil {
		fr = &rate.Rate
	}

	tpArg := models.PickNum(sig.TP, comm.Num("tp"))
	if tpArg == nil && s.cfg.EdgeConfig.AllowDeriveTP {
		if atr := comm.Num("atr"); atr != nil {
			tpArg = risk.DeriveTPFromATR(desired.Side, entryPx, *atr, s.cfg.EdgeConfig.ATRTPx)
		}
	}

	if s.cfg.EdgeConfig.Enabled {
		if tpArg == nil {
			if s.cfg.EdgeConfig.RequireTP {
				release()
				s.log.Warn().Str("event", "blocked_by_edge").Str("id", sig.ID).Str("reason", "no_tp").Msg("")
				c.JSON(http.StatusOK, Sanitize(gin.H{
					"status": "blocked_by_edge", "reason": "no_tp",
					"entry": entryPx, "amount": amt,
				}))
				return
			}
			s.log.Info().Str("event", "edge_skip_no_tp").Str("id", sig.ID).Msg("")
		} else {
			edge := risk.ExpectedEdgeUSDT(s.cfg.RiskConfig, s.cfg.EdgeConfig, desired.Side, entryPx, tpArg, amt, lev, fr)
			if edge <= s.cfg.EdgeConfig.MinEdgeUSDT {
				release()
				s.log.Warn().Str("event", "blocked_by_edge").Str("id", sig.ID).Float64("edge", edge).Msg("")
				c.JSON(http.StatusOK, Sanitize(gin.H{
					"status": "blocked_by_edge", "edge": edge,
					"entry": entryPx, "tp": tpArg, "amount": amt, "fr": fr,
				}))
				return
			}
		}
	}

	out, err := s.engine.ExecuteEntry(ctx, sym, strategy, desired.Side, amt, sig.ReduceOnly, limitPx, entryPx)
	if err != nil {
		release()
		s.log.Error().Str("event", "error_processing").Str("id", sig.ID).Err(err).Msg("")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	result["order"] = out.Order
	result["order_final"] = out.OrderFinal
	result["final_position"] = s.engine.Snapshot(ctx, sym)

	s.log.Info().Str("event", "webhook_processed").Str("id", sig.ID).Interface("final_position", result["final_position"]).Msg("")
	c.JSON(http.StatusOK, Sanitize(result))
}

func (s *Server) runTarget(c *gin.Context, sig *models.Signal, desired orders.Desired, sym string, release func(), result gin.H) {
	ctx := c.Request.Context()

	result["pre_position"] = s.engine.Snapshot(ctx, sym)
	rec, err := s.engine.ReconcileTarget(ctx, sym, desired)
	if err != nil {
		release()
		s.log.Error().Str("event", "error_processing").Str("id", sig.ID).Err(err).Msg("")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	result["reconcile"] = rec
	result["final_position"] = s.engine.Snapshot(ctx, sym)

	s.log.Info().Str("event", "webhook_processed").Str("id", sig.ID).Interface("final_position", result["final_position"]).Msg("")
	c.JSON(http.StatusOK, Sanitize(result))
}

// redactedBody parses the raw payload for logging with sensitive fields
// masked.
func redactedBody(body []byte) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return map[string]interface{}{"raw_len": len(body)}
	}
	return logging.Redact(m)
}
