package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Market data
	PriceStreamURL string
	UseMockFeed    bool
	Symbols        []string

	// Lifecycle monitor
	TickInterval      time.Duration
	MonitorWorkers    int
	InFlightTimeout   time.Duration
	ClosingAlertAfter time.Duration

	// Risk
	RiskPolicy string // "adjust" (default) or "reject"

	// Per-exchange rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Settings
	StrategyDefaultsPath string

	// Auth
	JWTSecret string

	// Logging
	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/execution.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               dbPath,
		PriceStreamURL:       getEnv("PRICE_STREAM_URL", ""),
		UseMockFeed:          getEnv("USE_MOCK_FEED", "true") == "true",
		Symbols:              splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		TickInterval:         getEnvDuration("TICK_INTERVAL", 3*time.Second),
		MonitorWorkers:       getEnvInt("MONITOR_WORKERS", 8),
		InFlightTimeout:      getEnvDuration("INFLIGHT_TIMEOUT", 30*time.Second),
		ClosingAlertAfter:    getEnvDuration("CLOSING_ALERT_AFTER", 2*time.Minute),
		RiskPolicy:           strings.ToLower(getEnv("RISK_POLICY", "adjust")),
		RateLimitRPS:         getEnvFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 20),
		StrategyDefaultsPath: getEnv("STRATEGY_DEFAULTS_PATH", "./config/strategies.yaml"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
