// =============================================================================
// 📦 StageFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stageflow.yaml").
//	    WithEnvPrefix("STAGEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 StageFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Orchestrator 阶段调度配置
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Store 文档存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 配置（redis 存储与知识库缓存共用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（sql 存储）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Executor 阶段执行器配置
	Executor ExecutorConfig `yaml:"executor" env:"EXECUTOR"`

	// Knowledge 能力库 / 策略库配置
	Knowledge KnowledgeConfig `yaml:"knowledge" env:"KNOWLEDGE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TLS 证书与私钥，两者都设置时以 HTTPS 启动
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// 每个客户端 IP 的请求速率
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求上限
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的 CORS 来源，空表示不发送 CORS 头
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// API Key 列表，空表示不启用 API Key 鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT 配置
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	// HMAC 密钥，空表示不启用 JWT
	Secret string `yaml:"secret" env:"SECRET"`
	// 期望的签发者（可选）
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 期望的受众（可选）
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// OrchestratorConfig 阶段调度配置
type OrchestratorConfig struct {
	// 每个阶段被拒绝的最大次数，达到后文档进入 blocked
	RetryCeiling int `yaml:"retry_ceiling" env:"RETRY_CEILING"`
	// 单次执行器调用超时
	ExecutorTimeout time.Duration `yaml:"executor_timeout" env:"EXECUTOR_TIMEOUT"`
	// 单次知识库查询超时
	KnowledgeTimeout time.Duration `yaml:"knowledge_timeout" env:"KNOWLEDGE_TIMEOUT"`
	// 调度扫描间隔
	ScanInterval time.Duration `yaml:"scan_interval" env:"SCAN_INTERVAL"`
	// 同时运行的独立阶段上限
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL"`
	// 已提交阶段的显式重试策略: noop, allow
	RecommitPolicy string `yaml:"recommit_policy" env:"RECOMMIT_POLICY"`
	// 自动重试退避
	RetryBackoff BackoffConfig `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 图定义文件（可选，空表示内置六阶段图）
	GraphFile string `yaml:"graph_file" env:"GRAPH_FILE"`
}

// BackoffConfig 指数退避配置
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	Multiplier      float64       `yaml:"multiplier" env:"MULTIPLIER"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

// StoreConfig 文档存储配置
type StoreConfig struct {
	// 类型: memory, file, redis, sql
	Type string `yaml:"type" env:"TYPE"`
	// file 存储根目录
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// file 存储锁等待超时
	LockTimeout time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
	// redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// sql 存储启动时执行 GORM AutoMigrate
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite, sqlite3
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ExecutorConfig 阶段执行器配置
type ExecutorConfig struct {
	// 类型: http, command
	Type string `yaml:"type" env:"TYPE"`
	// http 执行器基础地址，请求发送到 <base_url>/stages/<stage>
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// http 执行器 Bearer Token（可选）
	Token string `yaml:"token" env:"TOKEN"`
	// http 执行器信任的 CA 证书（PEM），为空时使用系统根证书
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
	// command 执行器的默认命令，阶段 ID 作为最后一个参数追加
	Command []string `yaml:"command" env:"COMMAND"`
	// command 执行器子进程额外的环境变量（KEY=VALUE）
	Env []string `yaml:"env" env:"ENV"`
	// 按阶段覆盖的命令
	StageCommands map[string][]string `yaml:"stage_commands" env:"-"`
	// 连续失败多少次后熔断，0 表示关闭熔断
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断后等待恢复的时间
	BreakerRecovery time.Duration `yaml:"breaker_recovery" env:"BREAKER_RECOVERY"`
}

// KnowledgeConfig 能力库 / 策略库配置
type KnowledgeConfig struct {
	// 能力库 YAML 目录文件
	CapabilityCatalog string `yaml:"capability_catalog" env:"CAPABILITY_CATALOG"`
	// 策略库 YAML 目录文件
	StrategyCatalog string `yaml:"strategy_catalog" env:"STRATEGY_CATALOG"`
	// 快照字符预算，超出部分截断并附注
	MaxChars int `yaml:"max_chars" env:"MAX_CHARS"`
	// 单次查询返回条目上限
	TopK int `yaml:"top_k" env:"TOP_K"`
	// 是否使用 Redis 缓存查询结果
	CacheEnabled bool `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	// 缓存 TTL
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 目录文件轮询间隔，0 表示不监听
	WatchInterval time.Duration `yaml:"watch_interval" env:"WATCH_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "STAGEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键为 PREFIX_SECTION_FIELD
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 按字段类型解析字符串
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置，返回所有问题的汇总
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("server.http_port must be between 1 and 65535"))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("server.metrics_port must be between 0 and 65535"))
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, errors.New("server rate limit must not be negative"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}

	o := c.Orchestrator
	if o.RetryCeiling < 1 {
		errs = append(errs, errors.New("orchestrator.retry_ceiling must be at least 1"))
	}
	if o.ExecutorTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.executor_timeout must be positive"))
	}
	if o.ScanInterval <= 0 {
		errs = append(errs, errors.New("orchestrator.scan_interval must be positive"))
	}
	if o.MaxParallel < 1 {
		errs = append(errs, errors.New("orchestrator.max_parallel must be at least 1"))
	}
	switch o.RecommitPolicy {
	case "noop", "allow":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.recommit_policy %q must be noop or allow", o.RecommitPolicy))
	}
	if o.RetryBackoff.Multiplier < 1 {
		errs = append(errs, errors.New("orchestrator.retry_backoff.multiplier must be >= 1"))
	}
	if o.RetryBackoff.InitialInterval < 0 || o.RetryBackoff.MaxInterval < o.RetryBackoff.InitialInterval {
		errs = append(errs, errors.New("orchestrator.retry_backoff intervals are inconsistent"))
	}

	switch c.Store.Type {
	case "memory", "redis":
	case "file":
		if c.Store.BaseDir == "" {
			errs = append(errs, errors.New("store.base_dir is required for file store"))
		}
	case "sql":
		if c.Database.Driver == "" {
			errs = append(errs, errors.New("database.driver is required for sql store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not supported", c.Store.Type))
	}

	switch c.Executor.Type {
	case "http":
		if _, err := url.ParseRequestURI(c.Executor.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("executor.base_url is invalid: %w", err))
		}
	case "command":
		if len(c.Executor.Command) == 0 && len(c.Executor.StageCommands) == 0 {
			errs = append(errs, errors.New("executor.command is required for command executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor.type %q must be http or command", c.Executor.Type))
	}
	if c.Executor.BreakerThreshold < 0 {
		errs = append(errs, errors.New("executor.breaker_threshold must not be negative"))
	}

	if c.Knowledge.MaxChars < 0 {
		errs = append(errs, errors.New("knowledge.max_chars must not be negative"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// DSN 返回 GORM 使用的数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
