package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "quality.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Server.RequestTimeoutSecs)
	assert.Equal(t, 10, cfg.Batch.ChunkSize)
	assert.Equal(t, 100, cfg.Batch.ChunkPauseMs)
	assert.Equal(t, 5000, cfg.Batch.MaxTargets)
	assert.Equal(t, 1000, cfg.Batch.MaxSyncTargets)
	assert.Equal(t, 50, cfg.Batch.WebhookEvery)
	assert.Equal(t, "memory", cfg.Batch.JobStore)
	assert.Equal(t, 30, cfg.Batch.SubmitRatePerMin)
	assert.Equal(t, 30, cfg.Stats.CacheTTLMins)
	assert.Equal(t, "memory", cfg.Stats.Backend)
	assert.Equal(t, 90, cfg.Quality.EngagementWindowDays)
	assert.Equal(t, 5, cfg.Webhook.FailureThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.NoError(t, cfg.Validate("batch"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/quality
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins:
    - https://admin.suburbmates.com.au
auth:
  admin_tokens:
    admin-1: Secret-Admin-Token
batch:
  chunk_size: 25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://admin.suburbmates.com.au"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "Secret-Admin-Token", cfg.Auth.AdminTokens["admin-1"])
	assert.Equal(t, 25, cfg.Batch.ChunkSize)
	// Defaults still apply for unset values
	assert.Equal(t, 5000, cfg.Batch.MaxTargets)

	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("QUALITY_STORE_DRIVER", "postgres")
	t.Setenv("QUALITY_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("QUALITY_SERVER_PORT", "3000")
	t.Setenv("QUALITY_STATS_CACHE_TTL_MINS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.StatsTTL())
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Server.Port = 8080
	cfg.Auth.AdminTokens = map[string]string{"admin-1": "tok"}
	cfg.Batch.ChunkSize = 10
	cfg.Batch.MaxTargets = 5000
	cfg.Batch.MaxSyncTargets = 1000
	cfg.Batch.WebhookEvery = 50
	cfg.Batch.ThroughputPerSec = 10
	cfg.Batch.RetentionHours = 24
	cfg.Batch.JobStore = "memory"
	cfg.Stats.CacheTTLMins = 30
	cfg.Stats.Backend = "memory"
	cfg.Quality.EngagementWindowDays = 90
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidate_Drivers(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Batch.JobStore = "etcd"
	cfg.Stats.Backend = "memcached"

	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
	assert.Contains(t, err.Error(), `batch.job_store "etcd"`)
	assert.Contains(t, err.Error(), `stats.backend "memcached"`)
}

func TestValidate_PostgresRequirements(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.JobStore = "postgres"
	cfg.Stats.Backend = "redis"

	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.job_store postgres requires store.driver postgres")
	assert.Contains(t, err.Error(), "stats.redis_url is required")

	cfg.Store.Driver = "postgres"
	err = cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/quality"
	cfg.Stats.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate("batch"))
}

func TestValidate_BatchParameters(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.ChunkSize = 0
	cfg.Batch.MaxSyncTargets = 6000
	cfg.Batch.ChunkPauseMs = -1

	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.chunk_size must be positive")
	assert.Contains(t, err.Error(), "batch.max_sync_targets must not exceed batch.max_targets")
	assert.Contains(t, err.Error(), "batch delays must not be negative")
}

func TestValidate_ServeNeedsAdminToken(t *testing.T) {
	cfg := validDefaults()
	cfg.Auth.AdminTokens = nil

	assert.NoError(t, cfg.Validate("batch"))
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.admin_tokens")
}

func TestBatchRuntime(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.ChunkPauseMs = 250
	cfg.Batch.QueueDelayMs = 50

	rt := cfg.BatchRuntime()
	assert.Equal(t, 10, rt.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, rt.ChunkPause)
	assert.Equal(t, 50*time.Millisecond, rt.QueueDelay)
	assert.Equal(t, 24*time.Hour, rt.Retention)
	assert.Equal(t, 90*24*time.Hour, rt.EngagementWindow)
}
