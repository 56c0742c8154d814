package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the futures worker.
type Config struct {
	Port string

	// Database
	DBPath string

	// Bots seed file applied on start and by sync-bots.
	BotsFile string

	// Credentials
	SecretKeyEnv         string // env prefix holding the versioned AES keys
	AllowPlaintextSecret bool   // testnet credentials may be stored unsealed

	// Exchange adapter
	BinanceBaseURL    string // overrides the production/testnet host
	RecvWindowMs      int64
	ExchangeTimeout   time.Duration
	RequestsPerSecond float64
	MaxReadRetries    int
	TimeSyncInterval  time.Duration
	FilterTTL         time.Duration
	ClientCacheSize   int
	ClientIdleTimeout time.Duration

	// Placement
	EntryOrderType  string // LIMIT or STOP_MARKET
	QuoteAsset      string
	DefaultTPR      float64
	CallTimeout     time.Duration
	RollbackTimeout time.Duration

	// Monitor
	PollInterval   time.Duration
	MonitorWorkers int

	// Recovery
	RecoveryInterval time.Duration
	RecoveryMinAge   time.Duration

	// Signal stream
	RedisURL         string
	StreamGroup      string
	StreamConsumer   string
	StreamBlock      time.Duration
	CatchupThreshold time.Duration
	DispatchWorkers  int
	SignalRetention  time.Duration

	// Ops API
	JWTSecret    string
	APIRateLimit float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/futures-worker.db")
	}
	host, _ := os.Hostname()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               dbPath,
		BotsFile:             getEnv("BOTS_FILE", ""),
		SecretKeyEnv:         getEnv("SECRET_KEY_ENV", "MASTER_ENCRYPTION_KEY"),
		AllowPlaintextSecret: getEnv("ALLOW_PLAINTEXT_SECRETS", "false") == "true",
		BinanceBaseURL:       getEnv("BINANCE_BASE_URL", ""),
		RecvWindowMs:         int64(getEnvInt("RECV_WINDOW_MS", 5000)),
		ExchangeTimeout:      getEnvDuration("EXCHANGE_TIMEOUT", 10*time.Second),
		RequestsPerSecond:    getEnvFloat("EXCHANGE_RPS", 10),
		MaxReadRetries:       getEnvInt("EXCHANGE_READ_RETRIES", 3),
		TimeSyncInterval:     getEnvDuration("TIME_SYNC_INTERVAL", 5*time.Minute),
		FilterTTL:            getEnvDuration("FILTER_TTL", time.Hour),
		ClientCacheSize:      getEnvInt("CLIENT_CACHE_SIZE", 100),
		ClientIdleTimeout:    getEnvDuration("CLIENT_IDLE_TIMEOUT", 30*time.Minute),
		EntryOrderType:       strings.ToUpper(getEnv("ENTRY_ORDER_TYPE", "LIMIT")),
		QuoteAsset:           strings.ToUpper(getEnv("QUOTE_ASSET", "USDT")),
		DefaultTPR:           getEnvFloat("DEFAULT_TP_R", 1.5),
		CallTimeout:          getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		RollbackTimeout:      getEnvDuration("ROLLBACK_TIMEOUT", 30*time.Second),
		PollInterval:         getEnvDuration("POLL_INTERVAL", 2*time.Second),
		MonitorWorkers:       getEnvInt("MONITOR_WORKERS", 8),
		RecoveryInterval:     getEnvDuration("RECOVERY_INTERVAL", time.Minute),
		RecoveryMinAge:       getEnvDuration("RECOVERY_MIN_AGE", 2*time.Minute),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StreamGroup:          getEnv("STREAM_GROUP", "cg:worker:signal"),
		StreamConsumer:       getEnv("STREAM_CONSUMER", "worker-"+host),
		StreamBlock:          getEnvDuration("STREAM_BLOCK", 5*time.Second),
		CatchupThreshold:     getEnvDuration("CATCHUP_THRESHOLD", 15*time.Second),
		DispatchWorkers:      getEnvInt("DISPATCH_WORKERS", 4),
		SignalRetention:      getEnvDuration("SIGNAL_RETENTION", 7*24*time.Hour),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		APIRateLimit:         getEnvFloat("API_RATE_LIMIT", 20),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	switch c.EntryOrderType {
	case "LIMIT", "STOP_MARKET":
	default:
		return fmt.Errorf("ENTRY_ORDER_TYPE must be LIMIT or STOP_MARKET, got %q", c.EntryOrderType)
	}
	if c.RecvWindowMs <= 0 || c.RecvWindowMs > 60000 {
		return fmt.Errorf("RECV_WINDOW_MS must be in (0, 60000], got %d", c.RecvWindowMs)
	}
	if c.DefaultTPR <= 0 {
		return fmt.Errorf("DEFAULT_TP_R must be positive, got %v", c.DefaultTPR)
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

// getEnvDuration accepts Go durations ("1.5s") or plain milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
