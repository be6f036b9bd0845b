package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/api/handlers"
	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/executor"
	"github.com/BaSui01/stageflow/internal/cache"
	"github.com/BaSui01/stageflow/internal/database"
	"github.com/BaSui01/stageflow/internal/metrics"
	"github.com/BaSui01/stageflow/internal/telemetry"
	"github.com/BaSui01/stageflow/knowledge"
	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// 🧩 运行时装配
// =============================================================================

// App 持有一次进程生命周期内的全部组件，serve 与单次 CLI 命令共用
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	collector *metrics.Collector
	telemetry *telemetry.Providers
	pool      *database.PoolManager
	cache     *cache.Manager
	watcher   *knowledge.Watcher
	store     document.Store
	engine    *workflow.Engine
}

// NewApp 按配置构建存储、执行器、知识库与编排引擎
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	return newApp(ctx, cfg, logger, metrics.NewCollector("stageflow", logger))
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (*App, error) {
	app := &App{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	app.telemetry = providers

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	graph := workflow.DefaultGraph()
	if a.cfg.Orchestrator.GraphFile != "" {
		g, err := workflow.LoadGraphFile(a.cfg.Orchestrator.GraphFile, a.logger)
		if err != nil {
			return fmt.Errorf("load stage graph: %w", err)
		}
		graph = g
	}
	registry := workflow.DefaultRegistry()

	if document.StoreType(a.cfg.Store.Type) == document.StoreTypeSQL {
		pool, err := a.openPool()
		if err != nil {
			return err
		}
		a.pool = pool
	}

	store, err := document.NewStore(storeConfig(a.cfg), a.pool, a.logger, document.WithValidator(registry))
	if err != nil {
		return fmt.Errorf("create document store: %w", err)
	}
	a.store = store

	exec, err := executor.New(a.cfg.Executor, a.logger, a.collector)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	libs, err := a.openKnowledge(ctx)
	if err != nil {
		return err
	}

	orch := workflow.NewOrchestrator(graph, registry, store, exec, orchestratorOptions(a.cfg.Orchestrator), a.logger,
		workflow.WithMetrics(a.collector),
		workflow.WithTracer(a.telemetry.Tracer()),
		workflow.WithKnowledge(libs...),
	)
	a.engine = workflow.NewEngine(orch, store, a.logger)
	return nil
}

func (a *App) openPool() (*database.PoolManager, error) {
	driver, err := database.ParseDriver(a.cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	poolCfg := database.DefaultPoolConfig()
	if a.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = a.cfg.Database.MaxOpenConns
	}
	if a.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = a.cfg.Database.MaxIdleConns
	}
	if a.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = a.cfg.Database.ConnMaxLifetime
	}
	pool, err := database.Connect(driver, a.cfg.Database.DSN(), poolCfg, a.logger, a.collector)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pool.SetStatsRecorder(a.collector)
	return pool, nil
}

// openKnowledge 加载能力库与策略库；未配置的库在阶段运行时标记为降级
func (a *App) openKnowledge(ctx context.Context) ([]knowledge.Library, error) {
	kc := a.cfg.Knowledge
	opts := knowledge.CatalogOptions{TopK: kc.TopK, MaxChars: kc.MaxChars}

	var catalogs []*knowledge.CatalogLibrary
	for _, c := range []struct{ name, path string }{
		{"capabilities", kc.CapabilityCatalog},
		{"strategies", kc.StrategyCatalog},
	} {
		name, path := c.name, c.path
		if path == "" {
			a.logger.Info("knowledge library not configured", zap.String("library", name))
			continue
		}
		lib, err := knowledge.NewCatalogLibrary(name, path, opts, a.logger)
		if err != nil {
			return nil, fmt.Errorf("load %s catalog: %w", name, err)
		}
		catalogs = append(catalogs, lib)
	}
	if len(catalogs) == 0 {
		return nil, nil
	}

	if kc.WatchInterval > 0 {
		w, err := knowledge.WatchCatalogs(ctx, kc.WatchInterval, a.logger, catalogs...)
		if err != nil {
			return nil, fmt.Errorf("watch catalogs: %w", err)
		}
		a.watcher = w
	}

	libs := make([]knowledge.Library, 0, len(catalogs))
	for _, lib := range catalogs {
		libs = append(libs, lib)
	}
	if !kc.CacheEnabled {
		return libs, nil
	}

	mgr, err := cache.NewManager(cacheConfig(a.cfg), a.logger)
	if err != nil {
		// 缓存不可用时直接查询目录
		a.logger.Warn("knowledge cache unavailable", zap.Error(err))
		return libs, nil
	}
	mgr.SetRecorder(a.collector)
	a.cache = mgr
	for i, lib := range libs {
		libs[i] = knowledge.NewCachedLibrary(lib, mgr, kc.CacheTTL, a.logger)
	}
	return libs, nil
}

// HealthChecks 返回 serve 与 health 命令共用的就绪检查
func (a *App) HealthChecks() []handlers.HealthCheck {
	checks := []handlers.HealthCheck{handlers.NewStoreHealthCheck(a.store)}
	if a.pool != nil {
		checks = append(checks, handlers.NewPingCheck("database", a.pool.Ping))
	}
	if a.cache != nil {
		checks = append(checks, handlers.NewPingCheck("knowledge_cache", a.cache.Ping))
	}
	return checks
}

// Close 停止编排并释放资源，顺序与创建相反
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// =============================================================================
// 🔄 配置映射
// =============================================================================

func storeConfig(cfg *config.Config) document.StoreConfig {
	sc := document.DefaultStoreConfig()
	if cfg.Store.Type != "" {
		sc.Type = document.StoreType(cfg.Store.Type)
	}
	if cfg.Store.BaseDir != "" {
		sc.BaseDir = cfg.Store.BaseDir
	}
	if cfg.Store.LockTimeout > 0 {
		sc.LockTimeout = cfg.Store.LockTimeout
	}
	if cfg.Redis.Addr != "" {
		sc.Redis.Addr = cfg.Redis.Addr
	}
	sc.Redis.Password = cfg.Redis.Password
	sc.Redis.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		sc.Redis.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Store.KeyPrefix != "" {
		sc.Redis.KeyPrefix = cfg.Store.KeyPrefix
	}
	sc.AutoMigrate = cfg.Store.AutoMigrate
	return sc
}

func cacheConfig(cfg *config.Config) cache.Config {
	cc := cache.DefaultConfig()
	cc.Name = "knowledge"
	if cfg.Redis.Addr != "" {
		cc.Addr = cfg.Redis.Addr
	}
	cc.Password = cfg.Redis.Password
	cc.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		cc.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.MinIdleConns > 0 {
		cc.MinIdleConns = cfg.Redis.MinIdleConns
	}
	if cfg.Knowledge.CacheTTL > 0 {
		cc.DefaultTTL = cfg.Knowledge.CacheTTL
	}
	return cc
}

func orchestratorOptions(oc config.OrchestratorConfig) workflow.Options {
	opts := workflow.DefaultOptions()
	opts.Retry.Ceiling = oc.RetryCeiling
	if oc.RetryBackoff.InitialInterval > 0 {
		opts.Retry.InitialBackoff = oc.RetryBackoff.InitialInterval
	}
	if oc.RetryBackoff.MaxInterval > 0 {
		opts.Retry.MaxBackoff = oc.RetryBackoff.MaxInterval
	}
	if oc.RetryBackoff.Multiplier > 0 {
		opts.Retry.BackoffMultiplier = oc.RetryBackoff.Multiplier
	}
	opts.ExecutorTimeout = oc.ExecutorTimeout
	opts.KnowledgeTimeout = oc.KnowledgeTimeout
	opts.ScanInterval = oc.ScanInterval
	opts.MaxParallel = oc.MaxParallel
	opts.Recommit = workflow.RecommitPolicy(oc.RecommitPolicy)
	return opts
}
