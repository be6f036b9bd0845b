// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 3, cfg.Orchestrator.RetryCeiling)
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stageflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
  api_keys: ["k1", "k2"]
  jwt:
    secret: "s3cret"
    issuer: "stageflow"

orchestrator:
  retry_ceiling: 5
  executor_timeout: 90s
  max_parallel: 4
  recommit_policy: allow
  retry_backoff:
    initial_interval: 2s
    multiplier: 3
    max_interval: 1m

store:
  type: redis
  key_prefix: "sf:"

executor:
  type: command
  command: ["python3", "agent.py"]
  stage_commands:
    execution: ["./run-steps"]

knowledge:
  capability_catalog: caps.yaml
  max_chars: 1200

log:
  level: "debug"
  format: "console"
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, "s3cret", cfg.Server.JWT.Secret)

	assert.Equal(t, 5, cfg.Orchestrator.RetryCeiling)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.ExecutorTimeout)
	assert.Equal(t, 4, cfg.Orchestrator.MaxParallel)
	assert.Equal(t, "allow", cfg.Orchestrator.RecommitPolicy)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.RetryBackoff.InitialInterval)
	assert.Equal(t, time.Minute, cfg.Orchestrator.RetryBackoff.MaxInterval)
	// 未在 YAML 中出现的字段保留默认值
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.ScanInterval)

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "sf:", cfg.Store.KeyPrefix)

	assert.Equal(t, "command", cfg.Executor.Type)
	assert.Equal(t, []string{"python3", "agent.py"}, cfg.Executor.Command)
	assert.Equal(t, []string{"./run-steps"}, cfg.Executor.StageCommands["execution"])

	assert.Equal(t, "caps.yaml", cfg.Knowledge.CapabilityCatalog)
	assert.Equal(t, 1200, cfg.Knowledge.MaxChars)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("STAGEFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("STAGEFLOW_SERVER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STAGEFLOW_SERVER_JWT_SECRET", "env-secret")
	t.Setenv("STAGEFLOW_ORCHESTRATOR_RETRY_CEILING", "7")
	t.Setenv("STAGEFLOW_ORCHESTRATOR_EXECUTOR_TIMEOUT", "45s")
	t.Setenv("STAGEFLOW_ORCHESTRATOR_RETRY_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("STAGEFLOW_REDIS_ADDR", "env-redis:6379")
	t.Setenv("STAGEFLOW_KNOWLEDGE_CACHE_ENABLED", "true")
	t.Setenv("STAGEFLOW_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, "env-secret", cfg.Server.JWT.Secret)
	assert.Equal(t, 7, cfg.Orchestrator.RetryCeiling)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.ExecutorTimeout)
	assert.InDelta(t, 1.5, cfg.Orchestrator.RetryBackoff.Multiplier, 0.0001)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Knowledge.CacheEnabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
store:
  type: file
  base_dir: /var/lib/stageflow
`)
	t.Setenv("STAGEFLOW_SERVER_HTTP_PORT", "9999")
	t.Setenv("STAGEFLOW_STORE_TYPE", "memory")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "/var/lib/stageflow", cfg.Store.BaseDir)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("MYAPP_EXECUTOR_BASE_URL", "http://agents:9000")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, "http://agents:9000", cfg.Executor.BaseURL)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("STAGEFLOW_ORCHESTRATOR_SCAN_INTERVAL", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STAGEFLOW_ORCHESTRATOR_SCAN_INTERVAL")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("STAGEFLOW_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/stageflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: [invalid
  this is not valid yaml
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "http port negative", modify: func(c *Config) { c.Server.HTTPPort = -1 }, wantErr: "http_port"},
		{name: "http port too large", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "http_port"},
		{name: "retry ceiling zero", modify: func(c *Config) { c.Orchestrator.RetryCeiling = 0 }, wantErr: "retry_ceiling"},
		{name: "executor timeout zero", modify: func(c *Config) { c.Orchestrator.ExecutorTimeout = 0 }, wantErr: "executor_timeout"},
		{name: "max parallel zero", modify: func(c *Config) { c.Orchestrator.MaxParallel = 0 }, wantErr: "max_parallel"},
		{name: "unknown recommit policy", modify: func(c *Config) { c.Orchestrator.RecommitPolicy = "always" }, wantErr: "recommit_policy"},
		{name: "backoff multiplier below one", modify: func(c *Config) { c.Orchestrator.RetryBackoff.Multiplier = 0.5 }, wantErr: "multiplier"},
		{name: "backoff max below initial", modify: func(c *Config) { c.Orchestrator.RetryBackoff.MaxInterval = time.Millisecond }, wantErr: "intervals"},
		{name: "unknown store", modify: func(c *Config) { c.Store.Type = "s3" }, wantErr: "store.type"},
		{name: "file store without dir", modify: func(c *Config) { c.Store.BaseDir = "" }, wantErr: "base_dir"},
		{name: "sql store without driver", modify: func(c *Config) { c.Store.Type = "sql"; c.Database.Driver = "" }, wantErr: "database.driver"},
		{name: "http executor bad url", modify: func(c *Config) { c.Executor.BaseURL = "not a url" }, wantErr: "base_url"},
		{name: "command executor without command", modify: func(c *Config) { c.Executor.Type = "command" }, wantErr: "executor.command"},
		{name: "negative breaker threshold", modify: func(c *Config) { c.Executor.BreakerThreshold = -1 }, wantErr: "breaker_threshold"},
		{name: "sample rate too high", modify: func(c *Config) { c.Telemetry.SampleRate = 2 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Orchestrator.RetryCeiling = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_port")
	assert.Contains(t, err.Error(), "retry_ceiling")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "stageflow", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=stageflow sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "stageflow",
			},
			expected: "user:pass@tcp(localhost:3306)/stageflow?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/var/lib/stageflow.db"},
			expected: "/var/lib/stageflow.db",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8181\n")
	assert.NotPanics(t, func() {
		cfg := MustLoad(path)
		assert.Equal(t, 8181, cfg.Server.HTTPPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml")
	assert.Panics(t, func() { MustLoad(path) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("STAGEFLOW_EXECUTOR_TOKEN", "tok")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Executor.Token)
}
