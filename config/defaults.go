// =============================================================================
// 📦 StageFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Store:        DefaultStoreConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Executor:     DefaultExecutorConfig(),
		Knowledge:    DefaultKnowledgeConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultOrchestratorConfig 返回默认调度配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RetryCeiling:     3,
		ExecutorTimeout:  5 * time.Minute,
		KnowledgeTimeout: 10 * time.Second,
		ScanInterval:     500 * time.Millisecond,
		MaxParallel:      2,
		RecommitPolicy:   "noop",
		RetryBackoff: BackoffConfig{
			InitialInterval: time.Second,
			Multiplier:      2.0,
			MaxInterval:     30 * time.Second,
		},
	}
}

// DefaultStoreConfig 返回默认文档存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:        "file",
		BaseDir:     "./data/documents",
		LockTimeout: 5 * time.Second,
		KeyPrefix:   "stageflow:",
		AutoMigrate: false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "stageflow",
		Password:        "",
		Name:            "./data/stageflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultExecutorConfig 返回默认执行器配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Type:             "http",
		BaseURL:          "http://localhost:8090",
		BreakerThreshold: 5,
		BreakerRecovery:  30 * time.Second,
	}
}

// DefaultKnowledgeConfig 返回默认知识库配置
func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		MaxChars:      4000,
		TopK:          5,
		CacheEnabled:  false,
		CacheTTL:      10 * time.Minute,
		WatchInterval: 2 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stageflow",
		SampleRate:   0.1,
	}
}
