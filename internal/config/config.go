// Package config loads process configuration from the environment, an
// optional .env file and an optional config file named by RXVERIFY_CONFIG.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/drfirst/go-rxverify/internal/cache"
	"github.com/drfirst/go-rxverify/internal/reread"
	"github.com/drfirst/go-rxverify/internal/rxnorm"
	"github.com/drfirst/go-rxverify/internal/verifier"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
	"github.com/drfirst/go-rxverify/pkg/retry"
)

// EnvPrefix is prepended to every environment key
const EnvPrefix = "RXVERIFY"

// Cache backends
const (
	CacheMemory   = "memory"
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	ServiceName string `mapstructure:"SERVICE_NAME"`

	HTTPAddr string   `mapstructure:"HTTP_ADDR"`
	APIKeys  []string `mapstructure:"API_KEYS"`

	RxNormBaseURL    string        `mapstructure:"RXNORM_BASE_URL"`
	RxNormTimeout    time.Duration `mapstructure:"RXNORM_TIMEOUT"`
	RxNormRPS        float64       `mapstructure:"RXNORM_RPS"`
	RxNormBurst      int64         `mapstructure:"RXNORM_BURST"`
	RxNormMaxEntries int           `mapstructure:"RXNORM_MAX_ENTRIES"`

	RetryMaxAttempts uint          `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxJitter   time.Duration `mapstructure:"RETRY_MAX_JITTER"`

	BreakerFailureThreshold uint32        `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerCooldown         time.Duration `mapstructure:"BREAKER_COOLDOWN"`

	CacheBackend       string        `mapstructure:"CACHE_BACKEND"`
	CacheTTL           time.Duration `mapstructure:"CACHE_TTL"`
	CachePurgeInterval time.Duration `mapstructure:"CACHE_PURGE_INTERVAL"`
	SQLitePath         string        `mapstructure:"SQLITE_PATH"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`

	BatchConcurrency int `mapstructure:"BATCH_CONCURRENCY"`

	ReReadURL     string        `mapstructure:"REREAD_URL"`
	ReReadAPIKey  string        `mapstructure:"REREAD_API_KEY"`
	ReReadTimeout time.Duration `mapstructure:"REREAD_TIMEOUT"`

	KafkaBrokers      []string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID      string   `mapstructure:"KAFKA_GROUP_ID"`
	TelemetryToBus    bool     `mapstructure:"TELEMETRY_TO_BUS"`
	TracingEnabled    bool     `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string   `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate float64  `mapstructure:"TRACING_SAMPLE_RATE"`
}

func defaults() map[string]interface{} {
	rx := rxnorm.DefaultConfig()
	rp := retry.DefaultPolicy()
	cb := circuitbreaker.DefaultConfig("rxnorm")
	return map[string]interface{}{
		"ENV":          "development",
		"LOG_LEVEL":    "info",
		"SERVICE_NAME": "rxverify",

		"HTTP_ADDR": ":8080",
		"API_KEYS":  "",

		"RXNORM_BASE_URL":    rx.BaseURL,
		"RXNORM_TIMEOUT":     rx.Timeout,
		"RXNORM_RPS":         rx.RequestsPerSecond,
		"RXNORM_BURST":       rx.Burst,
		"RXNORM_MAX_ENTRIES": rx.MaxEntries,

		"RETRY_MAX_ATTEMPTS": rp.MaxAttempts,
		"RETRY_BASE_DELAY":   rp.BaseDelay,
		"RETRY_MAX_JITTER":   rp.MaxJitter,

		"BREAKER_FAILURE_THRESHOLD": cb.FailureThreshold,
		"BREAKER_COOLDOWN":          cb.Timeout,

		"CACHE_BACKEND":        CacheMemory,
		"CACHE_TTL":            cache.DefaultTTL,
		"CACHE_PURGE_INTERVAL": time.Hour,
		"SQLITE_PATH":          "data/rxverify-cache.db",
		"DATABASE_URL":         "",

		"BATCH_CONCURRENCY": verifier.DefaultConcurrency,

		"REREAD_URL":     "",
		"REREAD_API_KEY": "",
		"REREAD_TIMEOUT": reread.DefaultConfig().Timeout,

		"KAFKA_BROKERS":       "localhost:9092",
		"KAFKA_GROUP_ID":      "rxverify-worker",
		"TELEMETRY_TO_BUS":    false,
		"TRACING_ENABLED":     false,
		"OTLP_ENDPOINT":       "localhost:4317",
		"TRACING_SAMPLE_RATE": 1.0,
	}
}

// Load reads .env (if present), then the environment, then the file named
// by RXVERIFY_CONFIG (if set). Environment values win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Bind env vars explicitly so Unmarshal picks them up
	for key, def := range defaults() {
		v.SetDefault(key, def)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIKeys = splitList(cfg.APIKeys)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList trims entries and drops empties; env values arrive comma-separated
func splitList(in []string) []string {
	out := []string{}
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// IsDev returns true for the development environment
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects values the process cannot run with
func (c *Config) Validate() error {
	if c.BatchConcurrency <= 0 {
		return fmt.Errorf("BATCH_CONCURRENCY must be positive, got %d", c.BatchConcurrency)
	}
	if c.RetryMaxAttempts == 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxJitter < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.BreakerFailureThreshold == 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.RxNormRPS < 0 {
		return fmt.Errorf("RXNORM_RPS must not be negative")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be within [0,1], got %v", c.TracingSampleRate)
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite cache backend")
		}
	case CachePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres cache backend")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q, %q or %q, got %q",
			CacheMemory, CacheSQLite, CachePostgres, c.CacheBackend)
	}

	if !c.IsDev() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required outside development")
	}
	return nil
}

// RxNorm returns the reference client configuration
func (c *Config) RxNorm() rxnorm.Config {
	rc := rxnorm.DefaultConfig()
	rc.BaseURL = c.RxNormBaseURL
	rc.Timeout = c.RxNormTimeout
	rc.RequestsPerSecond = c.RxNormRPS
	rc.Burst = c.RxNormBurst
	rc.MaxEntries = c.RxNormMaxEntries
	rc.Retry = c.Retry()
	return rc
}

// Retry returns the reference retry policy
func (c *Config) Retry() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.RetryMaxAttempts
	p.BaseDelay = c.RetryBaseDelay
	p.MaxJitter = c.RetryMaxJitter
	return p
}

// Breaker returns the breaker policy for the named upstream
func (c *Config) Breaker(name string) circuitbreaker.Config {
	b := circuitbreaker.DefaultConfig(name)
	b.FailureThreshold = c.BreakerFailureThreshold
	b.Timeout = c.BreakerCooldown
	return b
}

// ReRead returns the re-read client configuration; ok is false when no endpoint is set
func (c *Config) ReRead() (reread.Config, bool) {
	if c.ReReadURL == "" {
		return reread.Config{}, false
	}
	return reread.Config{
		Endpoint: c.ReReadURL,
		APIKey:   c.ReReadAPIKey,
		Timeout:  c.ReReadTimeout,
	}, true
}
