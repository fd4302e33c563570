// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/quota"
)

// Storage provider names accepted by storage.provider.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Environment string               `mapstructure:"environment"`
	Server      ServerConfig         `mapstructure:"server"`
	Auth        AuthConfig           `mapstructure:"auth"`
	Storage     StorageConfig        `mapstructure:"storage"`
	DB          DBConfig             `mapstructure:"db"`
	Redis       RedisConfig          `mapstructure:"redis"`
	PubSub      PubSubConfig         `mapstructure:"pubsub"`
	Quota       QuotaConfig          `mapstructure:"quota"`
	Cache       CacheConfig          `mapstructure:"cache"`
	Fetch       FetchConfig          `mapstructure:"fetch"`
	Batch       BatchConfig          `mapstructure:"batch"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Jobs        map[string]JobConfig `mapstructure:"jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig selects the durable shared cache tier.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
}

// DBConfig controls access to the Postgres shared tier.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig controls access to the Redis shared tier.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PubSubConfig holds metadata for engine event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// QuotaConfig holds per-environment provider budget tables. The active
// environment selects one profile at startup; staging carries reduced
// limits so test traffic cannot burn the production budget.
type QuotaConfig struct {
	Profiles map[string]map[string]quota.Limits `mapstructure:"profiles"`
}

// CacheConfig governs TTLs and eviction.
type CacheConfig struct {
	DefaultTTLMinutes       int            `mapstructure:"default_ttl_minutes"`
	TTLMinutesByType        map[string]int `mapstructure:"ttl_minutes_by_type"`
	EvictionGraceMultiplier float64        `mapstructure:"eviction_grace_multiplier"`
	SweepIntervalMinutes    int            `mapstructure:"sweep_interval_minutes"`
}

// FetchConfig configures the provider fetch pipeline. Endpoints maps a
// provider name to its HTTP search endpoint.
type FetchConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	DefaultRPS     float64           `mapstructure:"default_rps"`
	DefaultBurst   int               `mapstructure:"default_burst"`
	UserAgent      string            `mapstructure:"user_agent"`
	Endpoints      map[string]string `mapstructure:"endpoints"`
}

// BatchConfig configures the explicit-refresh grouping window.
type BatchConfig struct {
	WindowMs int `mapstructure:"window_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// JobConfig is one row of the static job table registered at startup.
type JobConfig struct {
	Provider        string   `mapstructure:"provider"`
	ContentType     string   `mapstructure:"content_type"`
	Keywords        []string `mapstructure:"keywords"`
	Priority        string   `mapstructure:"priority"`
	ResultCount     int      `mapstructure:"result_count"`
	IntervalMinutes int      `mapstructure:"interval_minutes"`
}

// Bucket converts the job row into a content bucket.
func (j JobConfig) Bucket() engine.ContentBucket {
	return engine.ContentBucket{
		Provider:    j.Provider,
		ContentType: engine.ContentType(j.ContentType),
		Keywords:    j.Keywords,
		Priority:    engine.Priority(j.Priority),
		ResultCount: j.ResultCount,
	}
}

// Interval returns the job's run interval.
func (j JobConfig) Interval() time.Duration {
	return time.Duration(j.IntervalMinutes) * time.Minute
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONTENT_ENGINE")
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
	v.SetDefault("environment", "production")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("storage.provider", StorageMemory)
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("redis.key_prefix", "content-engine")
	v.SetDefault("cache.default_ttl_minutes", 360)
	v.SetDefault("cache.eviction_grace_multiplier", 3.0)
	v.SetDefault("cache.sweep_interval_minutes", 30)
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.default_rps", 2.0)
	v.SetDefault("fetch.default_burst", 1)
	v.SetDefault("fetch.user_agent", "content-engine/0.1")
	v.SetDefault("batch.window_ms", 250)
	v.SetDefault("logging.development", true)
	v.SetDefault("pubsub.topic_name", "engine-events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Provider {
	case StorageMemory:
	case StoragePostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.provider is %q", StoragePostgres)
		}
	case StorageRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when storage.provider is %q", StorageRedis)
		}
	default:
		return fmt.Errorf("storage.provider must be one of %s, %s, %s",
			StorageMemory, StoragePostgres, StorageRedis)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.Cache.EvictionGraceMultiplier < 1 {
		return fmt.Errorf("cache.eviction_grace_multiplier must be >= 1")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Batch.WindowMs <= 0 {
		return fmt.Errorf("batch.window_ms must be > 0")
	}
	for name, limits := range c.QuotaLimits() {
		if limits.Daily < 0 || limits.Hourly < 0 {
			return fmt.Errorf("quota limits for %q must not be negative", name)
		}
	}
	for name, job := range c.Jobs {
		if !engine.ContentType(job.ContentType).Known() {
			return fmt.Errorf("jobs.%s.content_type %q is unknown", name, job.ContentType)
		}
		if job.Provider == "" {
			return fmt.Errorf("jobs.%s.provider must be set", name)
		}
		if len(job.Keywords) == 0 {
			return fmt.Errorf("jobs.%s.keywords must not be empty", name)
		}
		if job.IntervalMinutes <= 0 {
			return fmt.Errorf("jobs.%s.interval_minutes must be > 0", name)
		}
	}
	return nil
}

// QuotaLimits returns the limit table for the active environment. An
// environment with no profile yields nil, which means every provider is
// admitted fail-open.
func (c Config) QuotaLimits() map[string]quota.Limits {
	return c.Quota.Profiles[c.Environment]
}

// DefaultTTL returns the hard validity window for fresh entries.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMinutes) * time.Minute
}

// TTLByType converts the per-type TTL table into engine durations.
func (c CacheConfig) TTLByType() map[engine.ContentType]time.Duration {
	if len(c.TTLMinutesByType) == 0 {
		return nil
	}
	out := make(map[engine.ContentType]time.Duration, len(c.TTLMinutesByType))
	for ct, minutes := range c.TTLMinutesByType {
		out[engine.ContentType(ct)] = time.Duration(minutes) * time.Minute
	}
	return out
}

// SweepInterval returns how often the eviction sweep job runs.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// Timeout returns the per-attempt provider fetch timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Window returns the batch grouping window.
func (c BatchConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// ShutdownGrace returns how long the server drains on shutdown.
func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}
