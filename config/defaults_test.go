package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, OrchestratorConfig{}, cfg.Orchestrator)
	assert.NotEqual(t, StoreConfig{}, cfg.Store)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, ExecutorConfig{}, cfg.Executor)
	assert.NotEqual(t, KnowledgeConfig{}, cfg.Knowledge)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.InDelta(t, 100.0, cfg.RateLimitRPS, 0.001)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Empty(t, cfg.APIKeys)
	assert.Empty(t, cfg.JWT.Secret)
}

func TestDefaultOrchestratorConfig(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	assert.Equal(t, 3, cfg.RetryCeiling)
	assert.Equal(t, 5*time.Minute, cfg.ExecutorTimeout)
	assert.Equal(t, 2, cfg.MaxParallel)
	assert.Equal(t, "noop", cfg.RecommitPolicy)
	assert.Equal(t, time.Second, cfg.RetryBackoff.InitialInterval)
	assert.InDelta(t, 2.0, cfg.RetryBackoff.Multiplier, 0.001)
	assert.Equal(t, 30*time.Second, cfg.RetryBackoff.MaxInterval)
	assert.Empty(t, cfg.GraphFile)
}

func TestDefaultStoreConfig(t *testing.T) {
	cfg := DefaultStoreConfig()
	assert.Equal(t, "file", cfg.Type)
	assert.Equal(t, "./data/documents", cfg.BaseDir)
	assert.Equal(t, "stageflow:", cfg.KeyPrefix)
	assert.False(t, cfg.AutoMigrate)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "./data/stageflow.db", cfg.DSN())
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
}

func TestDefaultKnowledgeConfig(t *testing.T) {
	cfg := DefaultKnowledgeConfig()
	assert.Equal(t, 4000, cfg.MaxChars)
	assert.Equal(t, 5, cfg.TopK)
	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
}

func TestDefaultLogAndTelemetryConfig(t *testing.T) {
	log := DefaultLogConfig()
	assert.Equal(t, "info", log.Level)
	assert.Equal(t, "json", log.Format)
	assert.Equal(t, []string{"stdout"}, log.OutputPaths)

	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "stageflow", tel.ServiceName)
	assert.Equal(t, "localhost:4317", tel.OTLPEndpoint)
}
