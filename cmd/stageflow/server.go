package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/api/handlers"
	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/internal/server"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 StageFlow 的 HTTP 服务：API 端口与独立的 Metrics 端口
type Server struct {
	app    *App
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	taskHandler   *handlers.TaskHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(app *App) *Server {
	return &Server{
		app:    app,
		logger: app.logger.With(zap.String("component", "server")),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
	)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	for _, check := range s.app.HealthChecks() {
		s.healthHandler.RegisterCheck(check)
	}
	s.taskHandler = handlers.NewTaskHandler(s.app.engine, s.logger)
	s.logger.Info("Handlers initialized")
}

// ResumeInProgress 在后台恢复上次进程退出时仍在运行的任务
func (s *Server) ResumeInProgress(ctx context.Context) {
	docs, err := s.app.engine.List(ctx, document.ListFilter{
		Status: []document.Status{document.StatusInProgress},
	})
	if err != nil {
		s.logger.Warn("failed to list in-progress tasks", zap.Error(err))
		return
	}
	for _, doc := range docs {
		taskID := doc.TaskID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.app.engine.Resume(ctx, taskID); err != nil {
				s.logger.Warn("resume failed", zap.String("task_id", taskID), zap.Error(err))
			}
		}()
	}
	if len(docs) > 0 {
		s.logger.Info("Resuming in-progress tasks", zap.Int("count", len(docs)))
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer() error {
	cfg := s.app.cfg.Server
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 任务 API
	// ========================================
	s.taskHandler.Register(mux, nil)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.app.collector),
		OTelTracing(),
		CORS(cfg.CORSAllowedOrigins),
		APIKeyAuth(cfg.APIKeys, skipAuthPaths, cfg.JWT.Secret != "", s.logger),
		JWTAuth(cfg.JWT, skipAuthPaths, s.logger),
		RateLimiter(rateLimiterCtx, cfg.RateLimitRPS, cfg.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", cfg.HTTPPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     2 * cfg.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: cfg.ShutdownTimeout,
		TLSCertFile:     cfg.TLSCertFile,
		TLSKeyFile:      cfg.TLSKeyFile,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	cfg := s.app.cfg.Server
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", cfg.MetricsPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞到收到 SIGINT/SIGTERM 或服务器异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-s.httpManager.Errors():
		s.logger.Error("HTTP server exited", zap.Error(err))
	case err := <-s.metricsManager.Errors():
		s.logger.Error("Metrics server exited", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务。编排中的任务保持 in-progress，下次启动时恢复
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 1. 关闭 HTTP 服务器，不再接收新任务
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 停止后台编排并等待恢复中的任务返回
	shutdownCtx, cancel := context.WithTimeout(ctx, s.app.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.app.engine.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Engine shutdown error", zap.Error(err))
	}
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
