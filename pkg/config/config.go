package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"signal-core/pkg/secrets"
)

// Broker modes.
const (
	BrokerSim    = "sim"
	BrokerBridge = "bridge"
)

// Config holds environment-driven settings for the signal engine.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Database
	DBPath           string
	PnLFlushInterval time.Duration

	// Broker
	BrokerMode           string // "sim" or "bridge"
	BridgeURL            string
	BrokerSSID           string
	AssetSuffix          string // appended to assets before placement, e.g. "_otc"
	BrokerRateLimit      float64
	BrokerBurst          int
	BrokerRequestTimeout time.Duration
	StartupRetries       int

	// Simulated broker
	SimInitialBalance float64
	SimWinRate        float64
	SimPayout         float64 // profit ratio on a win, e.g. 0.92
	SimLatency        time.Duration
	SimTimeScale      float64 // trade duration multiplier; 0.01 resolves a 300s trade in 3s

	// Risk
	RiskConfigFile string // optional yaml seed used when the DB holds no config

	// Intake & background services
	IntakeQueueSize     int
	ReconcileInterval   time.Duration
	BalanceSyncInterval time.Duration

	// Admin auth; empty disables JWT on mutating admin routes
	AdminJWTSecret string

	// Alerts
	TelegramToken  string
	TelegramChatID int64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8000"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		DBPath:               getEnv("DB_PATH", "./data/signals.db"),
		PnLFlushInterval:     getEnvDuration("PNL_FLUSH_INTERVAL", time.Second),
		BrokerMode:           strings.ToLower(getEnv("BROKER_MODE", BrokerSim)),
		BridgeURL:            getEnv("BROKER_BRIDGE_URL", "ws://127.0.0.1:8765/ws"),
		BrokerSSID:           os.Getenv("SSID"),
		AssetSuffix:          getEnv("BROKER_ASSET_SUFFIX", "_otc"),
		BrokerRateLimit:      getEnvFloat("BROKER_RATE_LIMIT", 5),
		BrokerBurst:          getEnvInt("BROKER_RATE_BURST", 10),
		BrokerRequestTimeout: getEnvDuration("BROKER_REQUEST_TIMEOUT", 30*time.Second),
		StartupRetries:       getEnvInt("BROKER_STARTUP_RETRIES", 3),
		SimInitialBalance:    getEnvFloat("SIM_INITIAL_BALANCE", 1000),
		SimWinRate:           getEnvFloat("SIM_WIN_RATE", 0.5),
		SimPayout:            getEnvFloat("SIM_PAYOUT", 0.92),
		SimLatency:           getEnvDuration("SIM_LATENCY", 0),
		SimTimeScale:         getEnvFloat("SIM_TIME_SCALE", 1),
		RiskConfigFile:       os.Getenv("RISK_CONFIG_FILE"),
		IntakeQueueSize:      getEnvInt("INTAKE_QUEUE_SIZE", 64),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		BalanceSyncInterval:  getEnvDuration("BALANCE_SYNC_INTERVAL", time.Minute),
		AdminJWTSecret:       os.Getenv("ADMIN_JWT_SECRET"),
		TelegramToken:        os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID:       getEnvInt64("TELEGRAM_CHAT_ID", 0),
	}

	switch cfg.BrokerMode {
	case BrokerSim, BrokerBridge:
	default:
		return nil, fmt.Errorf("unknown BROKER_MODE %q (want %s or %s)", cfg.BrokerMode, BrokerSim, BrokerBridge)
	}
	if cfg.BrokerMode == BrokerBridge && cfg.BridgeURL == "" {
		return nil, fmt.Errorf("BROKER_BRIDGE_URL is required in bridge mode")
	}
	if err := openSecrets(cfg); err != nil {
		return nil, err
	}
	if cfg.SimWinRate < 0 || cfg.SimWinRate > 1 {
		return nil, fmt.Errorf("SIM_WIN_RATE must be within [0,1], got %v", cfg.SimWinRate)
	}
	return cfg, nil
}

// openSecrets decrypts ENC[v1]: values using SECRETS_KEY.
func openSecrets(cfg *Config) error {
	var box *secrets.Box
	if key := os.Getenv("SECRETS_KEY"); key != "" {
		b, err := secrets.NewBoxBase64(key)
		if err != nil {
			return fmt.Errorf("SECRETS_KEY: %w", err)
		}
		box = b
	}
	if err := secrets.OpenAll(box, &cfg.BrokerSSID, &cfg.TelegramToken, &cfg.AdminJWTSecret); err != nil {
		return fmt.Errorf("open sealed settings: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
