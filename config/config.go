package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	RedisConfig    RedisConfig    `json:"redis"`
	ExchangeConfig ExchangeConfig `json:"exchange"`
	RegimeConfig   RegimeConfig   `json:"regime"`
	RiskConfig     RiskConfig     `json:"risk"`
	SizingConfig   SizingConfig   `json:"sizing"`
	CooldownConfig CooldownConfig `json:"cooldown"`
	EdgeConfig     EdgeConfig     `json:"edge"`
	EquityConfig   EquityConfig   `json:"equity"`
	LoggingConfig  LoggingConfig  `json:"logging"`

	SymbolFallback    string `json:"symbol_fallback"`
	IdempotencyTTL    int    `json:"idempotency_ttl"` // seconds
	RelaySharedSecret string `json:"relay_shared_secret"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

// RedisConfig holds the state-store connection settings
type RedisConfig struct {
	URL string `json:"url"`
}

// ExchangeConfig holds Phemex trading account configuration.
// Dev keys are used on testnet, prod keys on mainnet; the un-suffixed
// PHEMEX_API_KEY/PHEMEX_SECRET pair acts as a fallback for either.
type ExchangeConfig struct {
	Testnet      bool   `json:"testnet"`
	APIKeyDev    string `json:"api_key_dev"`
	SecretDev    string `json:"secret_dev"`
	APIKeyProd   string `json:"api_key_prod"`
	SecretProd   string `json:"secret_prod"`
	APIKey       string `json:"api_key"`
	Secret       string `json:"secret"`
	PositionMode string `json:"position_mode"` // "oneway" | "hedge"
	Hedged       bool   `json:"hedged"`
}

// RegimeConfig controls the market-regime evaluator and its macro gate.
type RegimeConfig struct {
	Exchange      string  `json:"exchange"` // "binance" | "phemex"
	Testnet       bool    `json:"testnet"`
	BinanceMarket string  `json:"binance_market"` // "spot" | "usdm"
	SymbolETH     string  `json:"symbol_eth"`
	SymbolBTC     string  `json:"symbol_btc"`
	FundingAbsMax float64 `json:"funding_abs_max"`
	VIXURL        string  `json:"vix_url"`
	VIXMax        float64 `json:"vix_max"`
}

// RiskConfig holds order guards and the regime-to-allocation map.
type RiskConfig struct {
	MaxSlippage       float64 `json:"max_slippage"`
	FeeBuffer         float64 `json:"fee_buffer"`
	TakerFee          float64 `json:"taker_fee"`
	MinNotionalUSDT   float64 `json:"min_notional_usdt"`
	ReconcileRetries  int     `json:"reconcile_retries"`
	ReconcileInterval float64 `json:"reconcile_interval"` // seconds
	UseMarkPrice      bool    `json:"use_mark_price"`
	DailyMaxDDUSDT    float64 `json:"daily_max_dd_usdt"` // 0 disables

	// strategy x regime -> (allocation pct, leverage)
	AllocBullBull    float64 `json:"alloc_bull_bull"`
	AllocBullNeutral float64 `json:"alloc_bull_neutral"`
	AllocBullBear    float64 `json:"alloc_bull_bear"`
	LevBullBull      int     `json:"lev_bull_bull"`
	LevBullNeutral   int     `json:"lev_bull_neutral"`
	LevBullBear      int     `json:"lev_bull_bear"`

	AllocBearBull    float64 `json:"alloc_bear_bull"`
	AllocBearNeutral float64 `json:"alloc_bear_neutral"`
	AllocBearBear    float64 `json:"alloc_bear_bear"`
	LevBearBull      int     `json:"lev_bear_bull"`
	LevBearNeutral   int     `json:"lev_bear_neutral"`
	LevBearBear      int     `json:"lev_bear_bear"`
}

// SizingConfig holds server-side sizing defaults and safety knobs.
type SizingConfig struct {
	ServerSizing bool    `json:"server_sizing"`
	Mode         string  `json:"mode"` // "risk" | "notional" | "fixed"
	RiskPct      float64 `json:"risk_pct"`
	AllocPct     float64 `json:"alloc_pct"`
	LevDefault   int     `json:"lev_default"`
	MarginBuffer float64 `json:"margin_buffer"`

	RiskATRFallbackX    float64 `json:"risk_atr_fallback_x"`
	RiskMinDistTicks    int     `json:"risk_min_dist_ticks"`
	RiskHardReject      bool    `json:"risk_hard_reject"`
	AllowBumpToMinOrder bool    `json:"allow_bump_to_min_order"`
}

// CooldownConfig holds the per-strategy loss-streak cooldown thresholds.
type CooldownConfig struct {
	LossStreakLimitBull int `json:"loss_streak_limit_bull"`
	LossStreakLimitBear int `json:"loss_streak_limit_bear"`
	CooldownMinBull     int `json:"cooldown_min_bull"`
	CooldownMinBear     int `json:"cooldown_min_bear"`
}

// EdgeConfig controls the expected-edge entry filter.
type EdgeConfig struct {
	Enabled         bool    `json:"enabled"`
	MinEdgeUSDT     float64 `json:"min_edge_usdt"`
	HoldingHoursEst float64 `json:"holding_hours_est"`
	RequireTP       bool    `json:"require_tp"`
	AllowDeriveTP   bool    `json:"allow_derive_tp"`
	ATRTPx          float64 `json:"atr_tp_x"`
}

// EquityConfig controls balance discovery on the venue.
type EquityConfig struct {
	Code   string `json:"code"`   // e.g. "USDT"
	Source string `json:"source"` // "free" | "available" | "total" | "cash" | "used"
	Debug  bool   `json:"debug"`
}

type LoggingConfig struct {
	Level  string `json:"level"`   // DEBUG, INFO, WARN, ERROR
	JSON   bool   `json:"json"`    // one JSON event per line
	ToFile bool   `json:"to_file"` // write to File instead of stdout
	File   string `json:"file"`
}

// Load reads configuration from the environment. A .env file is applied
// first if present; explicit environment variables take precedence.
func Load() *Config {
	_ = godotenv.Load()

	posModeRaw := strings.ToLower(strings.TrimSpace(getEnvOrDefault("PHEMEX_POSITION_MODE", "oneway")))
	posMode := "oneway"
	switch posModeRaw {
	case "hedge", "hedged", "dual", "dual_side", "dual-side", "dualside":
		posMode = "hedge"
	}

	return &Config{
		ServerConfig: ServerConfig{
			Port:            getEnvIntOrDefault("WEB_PORT", 8080),
			Host:            getEnvOrDefault("WEB_HOST", "0.0.0.0"),
			AllowedOrigins:  getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*"),
			ReadTimeout:     getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:    getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30),
			ShutdownTimeout: getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10),
		},
		RedisConfig: RedisConfig{
			URL: getEnvOrDefault("REDIS_URL", "redis://redis:6379/0"),
		},
		ExchangeConfig: ExchangeConfig{
			Testnet:      getEnvBoolOrDefault("PHEMEX_TESTNET", true),
			APIKeyDev:    os.Getenv("PHEMEX_API_KEY_DEV"),
			SecretDev:    os.Getenv("PHEMEX_SECRET_DEV"),
			APIKeyProd:   os.Getenv("PHEMEX_API_KEY_PROD"),
			SecretProd:   os.Getenv("PHEMEX_SECRET_PROD"),
			APIKey:       os.Getenv("PHEMEX_API_KEY"),
			Secret:       os.Getenv("PHEMEX_SECRET"),
			PositionMode: posMode,
			Hedged:       posMode == "hedge",
		},
		RegimeConfig: RegimeConfig{
			Exchange:      strings.ToLower(getEnvOrDefault("REGIME_EXCHANGE", "binance")),
			Testnet:       getEnvBoolOrDefault("REGIME_TESTNET", false),
			BinanceMarket: strings.ToLower(getEnvOrDefault("REGIME_BINANCE_MARKET", "spot")),
			SymbolETH:     os.Getenv("REGIME_SYMBOL_ETH"),
			SymbolBTC:     os.Getenv("REGIME_SYMBOL_BTC"),
			FundingAbsMax: getEnvFloatOrDefault("FUNDING_ABS_MAX", 0.0003),
			VIXURL:        os.Getenv("VIX_URL"),
			VIXMax:        getEnvFloatOrDefault("VIX_MAX", 30.0),
		},
		RiskConfig: RiskConfig{
			MaxSlippage:       getEnvFloatOrDefault("MAX_SLIPPAGE", 0.004),
			FeeBuffer:         getEnvFloatOrDefault("FEE_BUFFER", 0.003),
			TakerFee:          getEnvFloatOrDefault("TAKER_FEE", 0.0006),
			MinNotionalUSDT:   getEnvFloatOrDefault("MIN_NOTIONAL_USDT", 5.0),
			ReconcileRetries:  getEnvIntOrDefault("RECONCILE_RETRIES", 8),
			ReconcileInterval: getEnvFloatOrDefault("RECONCILE_INTERVAL", 1.5),
			UseMarkPrice:      getEnvBoolOrDefault("USE_MARK_PRICE", true),
			DailyMaxDDUSDT:    getEnvFloatOrDefault("DAILY_MAX_DD_USDT", 0.0),

			AllocBullBull:    getEnvFloatOrDefault("ALLOC_BULL_BULL", 0.50),
			AllocBullNeutral: getEnvFloatOrDefault("ALLOC_BULL_NEUTRAL", 0.25),
			AllocBullBear:    getEnvFloatOrDefault("ALLOC_BULL_BEAR", 0.10),
			LevBullBull:      getEnvIntOrDefault("LEV_BULL_BULL", 8),
			LevBullNeutral:   getEnvIntOrDefault("LEV_BULL_NEUTRAL", 6),
			LevBullBear:      getEnvIntOrDefault("LEV_BULL_BEAR", 3),

			AllocBearBull:    getEnvFloatOrDefault("ALLOC_BEAR_BULL", 0.00),
			AllocBearNeutral: getEnvFloatOrDefault("ALLOC_BEAR_NEUTRAL", 0.10),
			AllocBearBear:    getEnvFloatOrDefault("ALLOC_BEAR_BEAR", 0.50),
			LevBearBull:      getEnvIntOrDefault("LEV_BEAR_BULL", 3),
			LevBearNeutral:   getEnvIntOrDefault("LEV_BEAR_NEUTRAL", 4),
			LevBearBear:      getEnvIntOrDefault("LEV_BEAR_BEAR", 8),
		},
		SizingConfig: SizingConfig{
			ServerSizing: getEnvBoolOrDefault("SERVER_SIZING", true),
			Mode:         strings.ToLower(getEnvOrDefault("SIZING_MODE", "notional")),
			RiskPct:      getEnvFloatOrDefault("RISK_PCT", 0.004),
			AllocPct:     getEnvFloatOrDefault("ALLOC_PCT", 0.50),
			LevDefault:   getEnvIntOrDefault("LEVERAGE_DEFAULT", 20),
			MarginBuffer: getEnvFloatOrDefault("MARGIN_BUFFER", 0.98),

			RiskATRFallbackX:    getEnvFloatOrDefault("RISK_ATR_FALLBACK_X", 2.0),
			RiskMinDistTicks:    getEnvIntOrDefault("RISK_MIN_DIST_TICKS", 1),
			RiskHardReject:      getEnvBoolOrDefault("RISK_HARD_REJECT", false),
			AllowBumpToMinOrder: getEnvBoolOrDefault("ALLOW_BUMP_TO_MIN_ORDER", true),
		},
		CooldownConfig: CooldownConfig{
			LossStreakLimitBull: getEnvIntOrDefault("LOSS_STREAK_LIMIT_BULL", 5),
			LossStreakLimitBear: getEnvIntOrDefault("LOSS_STREAK_LIMIT_BEAR", 4),
			CooldownMinBull:     getEnvIntOrDefault("COOLDOWN_MIN_BULL", 90),
			CooldownMinBear:     getEnvIntOrDefault("COOLDOWN_MIN_BEAR", 120),
		},
		EdgeConfig: EdgeConfig{
			Enabled:     getEnvBoolOrDefault("EDGE_FILTER_ENABLED", true),
			MinEdgeUSDT: getEnvFloatOrDefault("MIN_EDGE_USDT", 0.0),
			// HOLDING_HOURS_EST is the preferred name; ASSUME_HOLD_HOURS is
			// kept for compatibility with older deployments.
			HoldingHoursEst: getEnvFloatOrDefault("HOLDING_HOURS_EST", getEnvFloatOrDefault("ASSUME_HOLD_HOURS", 2.0)),
			RequireTP:       getEnvBoolOrDefault("EDGE_REQUIRE_TP", false),
			AllowDeriveTP:   getEnvBoolOrDefault("EDGE_ALLOW_DERIVE_TP", true),
			ATRTPx:          getEnvFloatOrDefault("EDGE_ATR_TP_X", 3.0),
		},
		EquityConfig: EquityConfig{
			Code:   strings.ToUpper(getEnvOrDefault("EQUITY_CODE", "USDT")),
			Source: strings.ToLower(getEnvOrDefault("EQUITY_SOURCE", "free")),
			Debug:  getEnvBoolOrDefault("BALANCE_DEBUG", true),
		},
		LoggingConfig: LoggingConfig{
			Level:  strings.ToUpper(getEnvOrDefault("LOG_LEVEL", "INFO")),
			JSON:   getEnvBoolOrDefault("LOG_JSON", true),
			ToFile: getEnvBoolOrDefault("LOG_TO_FILE", false),
			File:   getEnvOrDefault("LOG_FILE", "/app/relay.log"),
		},

		SymbolFallback:    getEnvOrDefault("SYMBOL", "ETH/USDT:USDT"),
		IdempotencyTTL:    getEnvIntOrDefault("IDEMPOTENCY_TTL", 900),
		RelaySharedSecret: os.Getenv("RELAY_SHARED_SECRET"),
	}
}

// TradeKeys resolves the API key pair for the trading account based on the
// testnet toggle, falling back to the un-suffixed pair.
func (c *ExchangeConfig) TradeKeys() (string, string) {
	if c.Testnet {
		return pick(c.APIKeyDev, c.APIKey), pick(c.SecretDev, c.Secret)
	}
	return pick(c.APIKeyProd, c.APIKey), pick(c.SecretProd, c.Secret)
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return int(floatVal)
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
