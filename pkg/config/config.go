// Package config loads runtime settings: process-level settings from the
// environment (optionally via .env) and hot-reloadable tunables from a YAML
// file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the decision core.
type Config struct {
	Port string

	// Venue
	Venue          string
	VenueAPIKey    string
	VenueAPISecret string
	Symbols        []string
	DryRun         bool

	// Market data
	UseStream    bool
	StreamURL    string
	HistoryURL   string
	FeedInterval time.Duration

	// Model worker; empty means no live predictions.
	PredictorURL string

	// Decision loop
	DecisionInterval time.Duration
	ExecutionMode    string
	DefaultQuantity  float64

	// Gateway rate limiting
	RateLimit float64 // requests per second
	RateBurst int

	// Reconciliation
	ReconcileInterval time.Duration

	// Storage
	DBPath string

	// Tunables file (threshold tables, regime bands, ladders).
	ConfigFile string

	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/decision-core.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		Venue:             getEnv("VENUE", "mock"),
		VenueAPIKey:       os.Getenv("VENUE_API_KEY"),
		VenueAPISecret:    os.Getenv("VENUE_API_SECRET"),
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		DryRun:            getEnv("DRY_RUN", "true") == "true",
		UseStream:         getEnv("USE_STREAM", "false") == "true",
		StreamURL:         getEnv("STREAM_URL", "wss://stream.binance.com:9443/ws"),
		HistoryURL:        getEnv("HISTORY_URL", "https://api.binance.com"),
		FeedInterval:      time.Duration(getEnvInt("FEED_INTERVAL_MS", 5000)) * time.Millisecond,
		PredictorURL:      os.Getenv("PREDICTOR_URL"),
		DecisionInterval:  time.Duration(getEnvInt("DECISION_INTERVAL_MS", 10000)) * time.Millisecond,
		ExecutionMode:     getEnv("EXECUTION_MODE", "smart"),
		DefaultQuantity:   getEnvFloat("DEFAULT_QUANTITY", 0.01),
		RateLimit:         getEnvFloat("GATEWAY_RATE_LIMIT", 10),
		RateBurst:         getEnvInt("GATEWAY_RATE_BURST", 20),
		ReconcileInterval: time.Duration(getEnvInt("RECONCILE_INTERVAL_MS", 5000)) * time.Millisecond,
		DBPath:            dbPath,
		ConfigFile:        getEnv("CONFIG_FILE", "./config.yaml"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
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
