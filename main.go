package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phemex-relay/config"
	"phemex-relay/internal/api"
	"phemex-relay/internal/exchange"
	"phemex-relay/internal/logging"
	"phemex-relay/internal/market"
	"phemex-relay/internal/orders"
	"phemex-relay/internal/regime"
	"phemex-relay/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LoggingConfig)

	logger.Info().
		Str("event", "starting").
		Bool("testnet", cfg.ExchangeConfig.Testnet).
		Str("symbol", cfg.SymbolFallback).
		Str("position_mode", cfg.ExchangeConfig.PositionMode).
		Msg("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Connect(ctx, cfg.RedisConfig.URL, logger)
	if err != nil {
		logger.Fatal().Str("event", "redis_unavailable").Err(err).Msg("")
	}
	defer st.Close()

	apiKey, secret := cfg.ExchangeConfig.TradeKeys()
	if apiKey == "" || secret == "" {
		logger.Warn().Str("event", "missing_api_keys").Msg("trading calls will fail until keys are set")
	}
	client := exchange.NewPhemexClient(apiKey, secret, cfg.ExchangeConfig.Testnet, logger)

	// Regime candles come from public Binance history by default; the trading
	// venue's own klines are used when REGIME_EXCHANGE=phemex.
	var candles exchange.CandleSource = client
	if cfg.RegimeConfig.Exchange == "binance" {
		candles = exchange.NewBinanceKlines(cfg.RegimeConfig.BinanceMarket)
	}

	mkt := market.NewAdapter(client, logger)
	engine := orders.NewEngine(client, mkt, st, cfg, logger)
	evaluator := regime.NewEvaluator(cfg.RegimeConfig, client, candles, logger)

	engine.EnsurePositionMode(ctx, cfg.SymbolFallback)

	server := api.NewServer(cfg, st, mkt, engine, evaluator, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("event", "shutdown_signal").Str("signal", sig.String()).Msg("")
	case err := <-errCh:
		if err != nil {
			logger.Error().Str("event", "server_failed").Err(err).Msg("")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Str("event", "shutdown_error").Err(err).Msg("")
	}
	logger.Info().Str("event", "stopped").Msg("")
}
