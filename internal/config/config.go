package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/suburbmates/quality-cli/internal/batch"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Batch   BatchConfig   `yaml:"batch" mapstructure:"batch"`
	Stats   StatsConfig   `yaml:"stats" mapstructure:"stats"`
	Quality QualityConfig `yaml:"quality" mapstructure:"quality"`
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// AuthConfig maps user ids to bearer tokens. Viper lowercases map keys, so
// tokens live in the values.
type AuthConfig struct {
	AdminTokens map[string]string `yaml:"admin_tokens" mapstructure:"admin_tokens"`
	StaffTokens map[string]string `yaml:"staff_tokens" mapstructure:"staff_tokens"`
}

// BatchConfig configures batch rescoring jobs.
type BatchConfig struct {
	ChunkSize        int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkPauseMs     int    `yaml:"chunk_pause_ms" mapstructure:"chunk_pause_ms"`
	QueueDelayMs     int    `yaml:"queue_delay_ms" mapstructure:"queue_delay_ms"`
	MaxTargets       int    `yaml:"max_targets" mapstructure:"max_targets"`
	MaxSyncTargets   int    `yaml:"max_sync_targets" mapstructure:"max_sync_targets"`
	WebhookEvery     int    `yaml:"webhook_every" mapstructure:"webhook_every"`
	ThroughputPerSec int    `yaml:"throughput_per_sec" mapstructure:"throughput_per_sec"`
	RetentionHours   int    `yaml:"retention_hours" mapstructure:"retention_hours"`
	JobStore         string `yaml:"job_store" mapstructure:"job_store"`
	SubmitRatePerMin int    `yaml:"submit_rate_per_min" mapstructure:"submit_rate_per_min"`
}

// StatsConfig configures the directory stats cache.
type StatsConfig struct {
	CacheTTLMins int    `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	Backend      string `yaml:"backend" mapstructure:"backend"`
	RedisURL     string `yaml:"redis_url" mapstructure:"redis_url"`
}

// QualityConfig configures scoring inputs.
type QualityConfig struct {
	EngagementWindowDays int `yaml:"engagement_window_days" mapstructure:"engagement_window_days"`
}

// WebhookConfig configures progress webhook delivery.
type WebhookConfig struct {
	TimeoutSecs      int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUALITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "quality.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("batch.chunk_size", 10)
	v.SetDefault("batch.chunk_pause_ms", 100)
	v.SetDefault("batch.queue_delay_ms", 100)
	v.SetDefault("batch.max_targets", 5000)
	v.SetDefault("batch.max_sync_targets", 1000)
	v.SetDefault("batch.webhook_every", 50)
	v.SetDefault("batch.throughput_per_sec", 10)
	v.SetDefault("batch.retention_hours", 24)
	v.SetDefault("batch.job_store", "memory")
	v.SetDefault("batch.submit_rate_per_min", 30)
	v.SetDefault("stats.cache_ttl_mins", 30)
	v.SetDefault("stats.backend", "memory")
	v.SetDefault("quality.engagement_window_days", 90)
	v.SetDefault("webhook.timeout_secs", 10)
	v.SetDefault("webhook.failure_threshold", 5)
	v.SetDefault("webhook.reset_timeout_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode. Mode "serve"
// additionally requires at least one admin token.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	switch c.Batch.JobStore {
	case "memory":
	case "postgres":
		if c.Store.Driver != "postgres" {
			errs = append(errs, "batch.job_store postgres requires store.driver postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("batch.job_store %q must be memory or postgres", c.Batch.JobStore))
	}

	switch c.Stats.Backend {
	case "memory":
	case "redis":
		if c.Stats.RedisURL == "" {
			errs = append(errs, "stats.redis_url is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("stats.backend %q must be memory or redis", c.Stats.Backend))
	}

	positive := map[string]int{
		"batch.chunk_size":               c.Batch.ChunkSize,
		"batch.max_targets":              c.Batch.MaxTargets,
		"batch.max_sync_targets":         c.Batch.MaxSyncTargets,
		"batch.webhook_every":            c.Batch.WebhookEvery,
		"batch.throughput_per_sec":       c.Batch.ThroughputPerSec,
		"batch.retention_hours":          c.Batch.RetentionHours,
		"stats.cache_ttl_mins":           c.Stats.CacheTTLMins,
		"quality.engagement_window_days": c.Quality.EngagementWindowDays,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, key+" must be positive")
		}
	}
	if c.Batch.ChunkPauseMs < 0 || c.Batch.QueueDelayMs < 0 {
		errs = append(errs, "batch delays must not be negative")
	}
	if c.Batch.MaxSyncTargets > c.Batch.MaxTargets {
		errs = append(errs, "batch.max_sync_targets must not exceed batch.max_targets")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
		if len(c.Auth.AdminTokens) == 0 {
			errs = append(errs, "auth.admin_tokens must contain at least one token")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BatchRuntime converts the batch section into execution parameters.
func (c *Config) BatchRuntime() batch.Config {
	return batch.Config{
		ChunkSize:        c.Batch.ChunkSize,
		ChunkPause:       time.Duration(c.Batch.ChunkPauseMs) * time.Millisecond,
		QueueDelay:       time.Duration(c.Batch.QueueDelayMs) * time.Millisecond,
		MaxTargets:       c.Batch.MaxTargets,
		MaxSyncTargets:   c.Batch.MaxSyncTargets,
		WebhookEvery:     c.Batch.WebhookEvery,
		ThroughputPerSec: c.Batch.ThroughputPerSec,
		Retention:        time.Duration(c.Batch.RetentionHours) * time.Hour,
		EngagementWindow: c.EngagementWindow(),
	}
}

// EngagementWindow is how far back inquiries and leads count as recent.
func (c *Config) EngagementWindow() time.Duration {
	return time.Duration(c.Quality.EngagementWindowDays) * 24 * time.Hour
}

// StatsTTL is the stats cache lifetime.
func (c *Config) StatsTTL() time.Duration {
	return time.Duration(c.Stats.CacheTTLMins) * time.Minute
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
