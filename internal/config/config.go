// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Seeds     []string        `mapstructure:"seeds"`
}

// SchedulerConfig governs the frontier and the worker pool.
type SchedulerConfig struct {
	WorkerThreads  int `mapstructure:"worker_threads"`
	QueueSize      int `mapstructure:"queue_size"`
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

// FetcherConfig controls fetch policy.
type FetcherConfig struct {
	ConnectTimeoutMs int    `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMs    int    `mapstructure:"read_timeout_ms"`
	MaxRedirects     int    `mapstructure:"max_redirects"`
	UserAgent        string `mapstructure:"user_agent"`
}

// RateLimitConfig sets per-host politeness windows.
type RateLimitConfig struct {
	Enabled   bool               `mapstructure:"enabled"`
	Default   float64            `mapstructure:"default"`
	PerDomain map[string]float64 `mapstructure:"per_domain"`
}

// RedisConfig locates the remote dedup tier. An empty host disables it.
type RedisConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	ConnectionPoolSize int    `mapstructure:"connection_pool_size"`
}

// APIConfig controls the HTTP control plane.
type APIConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Threads int    `mapstructure:"threads"`
}

// StorageConfig sets the on-disk data directory.
type StorageConfig struct {
	DataDir           string `mapstructure:"data_dir"`
	MaxDocsPerSegment int    `mapstructure:"max_docs_per_segment"`
}

// MemoryConfig bounds in-memory index growth.
type MemoryConfig struct {
	MaxMemoryMB           int64 `mapstructure:"max_memory_mb"`
	FlushThresholdPercent int   `mapstructure:"flush_threshold_percent"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLIDX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.worker_threads", 8)
	v.SetDefault("scheduler.queue_size", 10000)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_backoff_ms", 1000)
	v.SetDefault("fetcher.connect_timeout_ms", 5000)
	v.SetDefault("fetcher.read_timeout_ms", 10000)
	v.SetDefault("fetcher.max_redirects", 5)
	v.SetDefault("fetcher.user_agent", "crawlidx/1.0")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default", 1.0)
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.connection_pool_size", 10)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.threads", 4)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.max_docs_per_segment", 100000)
	v.SetDefault("memory.max_memory_mb", 2048)
	v.SetDefault("memory.flush_threshold_percent", 80)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. Configuration
// errors are fatal at startup only.
func (c Config) Validate() error {
	if c.Scheduler.WorkerThreads <= 0 {
		return fmt.Errorf("scheduler.worker_threads must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Scheduler.RetryBackoffMs <= 0 {
		return fmt.Errorf("scheduler.retry_backoff_ms must be > 0")
	}
	if c.Fetcher.ReadTimeoutMs <= 0 {
		return fmt.Errorf("fetcher.read_timeout_ms must be > 0")
	}
	if c.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}
	if c.API.Port <= 0 {
		return fmt.Errorf("api.port must be > 0")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set")
	}
	if c.Storage.MaxDocsPerSegment <= 0 {
		return fmt.Errorf("storage.max_docs_per_segment must be > 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.Default <= 0 {
		return fmt.Errorf("rate_limit.default must be > 0 when rate limiting is enabled")
	}
	for host, qps := range c.RateLimit.PerDomain {
		if qps <= 0 {
			return fmt.Errorf("rate_limit.per_domain[%s] must be > 0", host)
		}
	}
	return nil
}

// RetryBackoff returns the base retry backoff as a duration.
func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Scheduler.RetryBackoffMs) * time.Millisecond
}

// PolitenessDelay returns the minimum inter-request interval for a host:
// 1/qps for configured hosts, 1/default otherwise, 1s when rate limiting
// is disabled entirely.
func (c Config) PolitenessDelay(host string) time.Duration {
	qps := c.RateLimit.Default
	if override, ok := c.RateLimit.PerDomain[strings.ToLower(host)]; ok {
		qps = override
	}
	if !c.RateLimit.Enabled || qps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / qps)
}
