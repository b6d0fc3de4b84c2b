package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Parley server.
type Config struct {
	Port            int
	Version         string
	DefaultTenant   string
	DefaultVertical string
	Database        DatabaseConfig
	Redis           RedisConfig
	Rules           RulesConfig
	Queue           QueueConfig
	Flow            FlowConfig
	Notify          NotifyConfig
	Telemetry       TelemetryConfig
	Auth            AuthConfig
}

type DatabaseConfig struct {
	// Empty URL selects the in-memory store.
	URL            string
	MaxConnections int
	// DataDir persists the in-memory store across restarts when set.
	DataDir string
}

type RedisConfig struct {
	// Empty Addr selects the in-process bus and cache.
	Addr     string
	Password string
	DB       int
}

type RulesConfig struct {
	Channel  string
	PackDir  string
	CacheTTL time.Duration
	Watch    bool
}

type QueueConfig struct {
	LockDuration    time.Duration
	ReclaimInterval time.Duration
}

type FlowConfig struct {
	StaleAfter      time.Duration
	CloseResetDelay time.Duration
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
	EventsChannel string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the share of new root traces recorded, in [0, 1].
	SampleRatio float64
}

type AuthConfig struct {
	// APIKeys enables key authentication on the API when non-empty.
	APIKeys      []string
	APIKeyHeader string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:            envInt("PARLEY_PORT", 8080),
		Version:         envStr("PARLEY_VERSION", "0.1.0"),
		DefaultTenant:   envStr("PARLEY_DEFAULT_TENANT", "default"),
		DefaultVertical: envStr("PARLEY_DEFAULT_VERTICAL", "celulares"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			DataDir:        envStr("PARLEY_DATA_DIR", ""),
		},
		Redis: RedisConfig{
			Addr:     envStr("REDIS_ADDR", ""),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Rules: RulesConfig{
			Channel:  envStr("PARLEY_RULES_CHANNEL", "parley:rules:invalidate"),
			PackDir:  envStr("PARLEY_PACK_DIR", "packs"),
			CacheTTL: envDuration("PARLEY_PACK_CACHE_TTL", 10*time.Minute),
			Watch:    envBool("PARLEY_PACK_WATCH", true),
		},
		Queue: QueueConfig{
			LockDuration:    envDuration("PARLEY_LOCK_DURATION", 15*time.Minute),
			ReclaimInterval: envDuration("PARLEY_RECLAIM_INTERVAL", 30*time.Second),
		},
		Flow: FlowConfig{
			StaleAfter:      envDuration("PARLEY_STALE_STATE_AFTER", 30*time.Minute),
			CloseResetDelay: envDuration("PARLEY_CLOSE_RESET_DELAY", 5*time.Minute),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("PARLEY_NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envStr("PARLEY_NOTIFY_WEBHOOK_SECRET", ""),
			EventsChannel: envStr("PARLEY_EVENTS_CHANNEL", "parley:queue:events"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "parley"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		Auth: AuthConfig{
			APIKeys:      envList("PARLEY_API_KEYS"),
			APIKeyHeader: envStr("PARLEY_API_KEY_HEADER", "X-API-Key"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or plain seconds ("900").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if s, err := strconv.Atoi(v); err == nil {
		return time.Duration(s) * time.Second
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
