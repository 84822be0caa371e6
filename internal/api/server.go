// Package api exposes the relay's HTTP surface: the TradingView webhook,
// a health probe and a status snapshot.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"phemex-relay/config"
	"phemex-relay/internal/market"
	"phemex-relay/internal/orders"
	"phemex-relay/internal/regime"
	"phemex-relay/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	st         store.Store
	mkt        *market.Adapter
	engine     *orders.Engine
	evaluator  *regime.Evaluator
	log        zerolog.Logger
	start      time.Time
}

// NewServer builds the router and wires the handlers.
func NewServer(cfg *config.Config, st store.Store, mkt *market.Adapter, engine *orders.Engine, evaluator *regime.Evaluator, log zerolog.Logger) *Server {
	if strings.ToUpper(cfg.LoggingConfig.Level) != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	origins := strings.TrimSpace(cfg.ServerConfig.AllowedOrigins)
	if origins == "" || origins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(origins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		cfg:       cfg,
		st:        st,
		mkt:       mkt,
		engine:    engine,
		evaluator: evaluator,
		log:       log,
		start:     time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.POST("/tv-webhook", s.handleWebhook)
}

// Router exposes the gin engine, used by tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start runs the HTTP server until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.ServerConfig.WriteTimeout) * time.Second,
	}
	s.log.Info().Str("event", "server_listening").Str("addr", addr).Msg("")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"uptime_s": time.Since(s.start).Seconds(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	sym := s.cfg.SymbolFallback

	pos := s.engine.Snapshot(ctx, sym)
	equity := s.mkt.Equity(ctx, s.cfg.EquityConfig.Code, s.cfg.EquityConfig.Source, s.cfg.EquityConfig.Debug)
	reg, meta := s.evaluator.Evaluate(ctx)

	resp := gin.H{
		"trade": gin.H{
			"exchange": "phemex",
			"testnet":  s.cfg.ExchangeConfig.Testnet,
			"symbol":   sym,
		},
		"regime_source": gin.H{
			"exchange": s.cfg.RegimeConfig.Exchange,
			"testnet":  s.cfg.RegimeConfig.Testnet,
		},
		"position": gin.H{
			"side":          pos.Side,
			"qty":           pos.Qty,
			"entry":         pos.Entry,
			"unrealizedPnl": s.unrealized(ctx, sym),
		},
		"regime":      reg,
		"regime_meta": meta,
		"equity": gin.H{
			"code":   s.cfg.EquityConfig.Code,
			"source": s.cfg.EquityConfig.Source,
			"amount": equity,
		},
	}
	c.JSON(http.StatusOK, Sanitize(resp))
}

func (s *Server) unrealized(ctx context.Context, sym string) interface{} {
	p, err := s.mkt.Position(ctx, sym)
	if err != nil || p == nil {
		return nil
	}
	return p.UnrealizedPnl
}
