package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Live  bool
	Debug bool

	// Kalshi API
	KalshiAPIURL     string
	KalshiAPIKey     string
	KalshiPrivateKey string
	SeriesTicker     string

	// Value feed
	CoinbaseAPIURL string
	SpotProduct    string

	// Loop
	ScanInterval time.Duration
	ErrorBackoff time.Duration
	CallTimeout  time.Duration

	// Entry
	MaxTradeUSD       decimal.Decimal
	MaxExposurePct    decimal.Decimal
	MaxTradesPerCycle int
	MinEdge           float64
	TimeMinMins       float64
	TimeMaxMins       float64
	Cooldown          time.Duration
	PaperBankroll     decimal.Decimal

	// Volatility
	VolLookback    int
	SampleInterval time.Duration
	DefaultAnnVol  float64
	MinAnnVol      float64

	// Exits
	StopLossPct     decimal.Decimal
	SoftStopLossPct decimal.Decimal
	TPNoYesAskCents int
	TPYesBidCents   int
	MaxHold         time.Duration

	// Storage
	DatabasePath string
	TradeLogPath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Mode
		Live:  getEnvBool("LIVE_TRADING_ENABLED", false),
		Debug: getEnvBool("DEBUG", false),

		// Kalshi API
		KalshiAPIURL:     getEnv("KALSHI_API_URL", "https://api.elections.kalshi.com"),
		KalshiAPIKey:     os.Getenv("KALSHI_API_KEY"),
		KalshiPrivateKey: os.Getenv("KALSHI_PRIVATE_KEY"),
		SeriesTicker:     getEnv("SERIES_TICKER", "KXBTC"),

		// Value feed
		CoinbaseAPIURL: getEnv("COINBASE_API_URL", "https://api.coinbase.com"),
		SpotProduct:    getEnv("SPOT_PRODUCT", "BTC-USD"),

		// Loop
		ScanInterval: getEnvDuration("SCAN_INTERVAL", 2*time.Minute),
		ErrorBackoff: getEnvDuration("ERROR_BACKOFF", 60*time.Second),
		CallTimeout:  getEnvDuration("CALL_TIMEOUT", 10*time.Second),

		// Entry
		MaxTradeUSD:       getEnvDecimal("MAX_TRADE_USD", decimal.NewFromInt(2)),
		MaxExposurePct:    getEnvDecimal("MAX_EXPOSURE_PCT", decimal.RequireFromString("0.99")),
		MaxTradesPerCycle: getEnvInt("MAX_TRADES_PER_CYCLE", 3),
		MinEdge:           getEnvFloat("MIN_EDGE", 0.08),
		TimeMinMins:       getEnvFloat("TIME_MIN_MINS", 5),
		TimeMaxMins:       getEnvFloat("TIME_MAX_MINS", 30000), // hourly through weekly
		Cooldown:          getEnvDuration("COOLDOWN", 2*time.Hour),
		PaperBankroll:     getEnvDecimal("PAPER_BANKROLL", decimal.NewFromInt(1000)),

		// Volatility
		VolLookback:   getEnvInt("VOL_LOOKBACK", 30),
		DefaultAnnVol: getEnvFloat("DEFAULT_ANN_VOL", 0.55),
		MinAnnVol:     getEnvFloat("MIN_ANN_VOL", 0.20),

		// Exits
		StopLossPct:     getEnvDecimal("STOP_LOSS_PCT", decimal.RequireFromString("0.40")),
		SoftStopLossPct: getEnvDecimal("SOFT_STOP_LOSS_PCT", decimal.RequireFromString("0.05")),
		TPNoYesAskCents: getEnvInt("TP_NO_YES_ASK_CENTS", 5),
		TPYesBidCents:   getEnvInt("TP_YES_BID_CENTS", 80),
		MaxHold:         getEnvDuration("MAX_HOLD", 168*time.Hour),

		// Storage
		DatabasePath: getEnv("DATABASE_PATH", "data/rangebot.db"),
		TradeLogPath: getEnv("TRADE_LOG_PATH", "logs/trades.log"),
	}

	// Volatility samples arrive once per scan
	cfg.SampleInterval = getEnvDuration("SAMPLE_INTERVAL", cfg.ScanInterval)

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the bot cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("SCAN_INTERVAL must be positive, got %s", c.ScanInterval))
	}
	if c.ErrorBackoff <= 0 {
		errs = append(errs, fmt.Errorf("ERROR_BACKOFF must be positive, got %s", c.ErrorBackoff))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("SAMPLE_INTERVAL must be positive, got %s", c.SampleInterval))
	}
	if c.TimeMinMins > c.TimeMaxMins {
		errs = append(errs, fmt.Errorf("TIME_MIN_MINS %.0f > TIME_MAX_MINS %.0f", c.TimeMinMins, c.TimeMaxMins))
	}
	if !c.MaxExposurePct.IsPositive() || c.MaxExposurePct.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("MAX_EXPOSURE_PCT must be in (0,1], got %s", c.MaxExposurePct))
	}
	if !c.MaxTradeUSD.IsPositive() {
		errs = append(errs, fmt.Errorf("MAX_TRADE_USD must be positive, got %s", c.MaxTradeUSD))
	}
	if c.MaxTradesPerCycle < 0 {
		errs = append(errs, fmt.Errorf("MAX_TRADES_PER_CYCLE must be >= 0, got %d", c.MaxTradesPerCycle))
	}
	if !c.StopLossPct.IsPositive() || c.StopLossPct.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("STOP_LOSS_PCT must be in (0,1], got %s", c.StopLossPct))
	}
	if c.SoftStopLossPct.IsNegative() || c.SoftStopLossPct.GreaterThanOrEqual(c.StopLossPct) {
		errs = append(errs, fmt.Errorf("SOFT_STOP_LOSS_PCT must be in [0, STOP_LOSS_PCT), got %s", c.SoftStopLossPct))
	}
	if c.VolLookback < 2 {
		errs = append(errs, fmt.Errorf("VOL_LOOKBACK must be >= 2, got %d", c.VolLookback))
	}
	if c.DefaultAnnVol <= 0 || c.MinAnnVol <= 0 {
		errs = append(errs, errors.New("DEFAULT_ANN_VOL and MIN_ANN_VOL must be positive"))
	}
	// Every venue call is signed, contract listing included, so paper mode
	// needs credentials too.
	if c.KalshiAPIKey == "" || strings.TrimSpace(c.KalshiPrivateKey) == "" {
		errs = append(errs, errors.New("KALSHI_API_KEY and KALSHI_PRIVATE_KEY are required in paper and live mode"))
	}

	return errors.Join(errs...)
}

// TelegramEnabled reports whether both token and chat are configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
