package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds storefront client configuration.
type Config struct {
	BaseURL        string        `env:"BASE_URL"`
	PageSize       int           `env:"PAGE_SIZE"`
	MaxPages       int           `env:"MAX_PAGES"`
	Timeout        time.Duration `env:"TIMEOUT"`
	MaxRetries     int           `env:"CATALOG_MAX_RETRIES"`
	RetryWaitMin   time.Duration `env:"CATALOG_RETRY_WAIT_MIN"`
	RetryWaitMax   time.Duration `env:"CATALOG_RETRY_WAIT_MAX"`
	BreakerTimeout time.Duration `env:"BREAKER_TIMEOUT"`

	ImageMaxAttempts int           `env:"IMAGE_MAX_ATTEMPTS"`
	ImageRetryDelay  time.Duration `env:"IMAGE_RETRY_DELAY"`
	ImageCacheSize   int           `env:"IMAGE_CACHE_SIZE"`
	PrefetchWorkers  int           `env:"PREFETCH_WORKERS"`

	HistoryCapacity  int           `env:"HISTORY_CAPACITY"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION"`

	ManifestKey string `env:"MANIFEST_KEY"`

	DataDir     string `env:"DATA_DIR"`
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisDB     int    `env:"REDIS_DB"`
	MetricsAddr string `env:"METRICS_ADDR"`
	UserAgent   string `env:"USER_AGENT"`
	LogLevel    string `env:"LOG_LEVEL"`
	Verbose     bool   `env:"VERBOSE"`
}

// DefaultConfig returns defaults for the public demo catalogue.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://api.escuelajs.co/api/v1",
		PageSize:         10,
		MaxPages:         3,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryWaitMin:     200 * time.Millisecond,
		RetryWaitMax:     2 * time.Second,
		BreakerTimeout:   30 * time.Second,
		ImageMaxAttempts: 3,
		ImageRetryDelay:  2 * time.Second,
		ImageCacheSize:   256,
		PrefetchWorkers:  4,
		HistoryCapacity:  5,
		HistoryRetention: 7 * 24 * time.Hour,
		ManifestKey:      "",
		DataDir:          "data",
		RedisAddr:        "",
		RedisDB:          0,
		MetricsAddr:      "",
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		LogLevel:         "info",
		Verbose:          false,
	}
}

// Load returns DefaultConfig overridden by EASYMALL_* environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "EASYMALL_"}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryWaitMin < 0 {
		return fmt.Errorf("retry wait min cannot be negative")
	}
	if c.RetryWaitMax > 0 && c.RetryWaitMin > c.RetryWaitMax {
		return fmt.Errorf("retry wait min (%s) cannot exceed retry wait max (%s)", c.RetryWaitMin, c.RetryWaitMax)
	}
	if c.BreakerTimeout <= 0 {
		return fmt.Errorf("breaker timeout must be positive")
	}
	if c.ImageMaxAttempts <= 0 {
		return fmt.Errorf("image max attempts must be positive")
	}
	if c.ImageRetryDelay < 0 {
		return fmt.Errorf("image retry delay cannot be negative")
	}
	if c.ImageCacheSize <= 0 {
		return fmt.Errorf("image cache size must be positive")
	}
	if c.PrefetchWorkers <= 0 {
		return fmt.Errorf("prefetch workers must be positive")
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("history capacity must be positive")
	}
	if c.HistoryRetention <= 0 {
		return fmt.Errorf("history retention must be positive")
	}
	if c.RedisAddr == "" && c.DataDir == "" {
		return fmt.Errorf("data dir cannot be empty without a redis address")
	}
	if strings.ContainsAny(c.ManifestKey, `/\`) {
		return fmt.Errorf("manifest key cannot contain path separators")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn, or error")
	}

	return nil
}
