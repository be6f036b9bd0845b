// =============================================================================
// StageFlow 主入口
// =============================================================================
// 阶段门控文档编排服务与命令行
//
// 使用方法:
//
//	stageflow serve                              # 启动 HTTP 服务
//	stageflow serve --config config.yaml         # 指定配置文件
//	stageflow start --objective "..."            # 创建任务并同步运行到结束
//	stageflow status <task-id>                   # 查看阶段状态表
//	stageflow retry <task-id> --stage stage2b    # 显式重试并继续运行
//	stageflow cancel <task-id>                   # 取消任务
//	stageflow export <task-id> --out plan.md     # 导出 Markdown 文档
//	stageflow migrate up                         # 运行数据库迁移
//	stageflow health                             # 健康检查
//	stageflow version                            # 显示版本信息
//
// 退出码: 0 全部完成, 2 重试耗尽而阻塞, 130 已取消, 1 其他错误
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return workflow.ExitError
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stderr)
	case "start":
		return runStart(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "retry":
		return runRetry(args[1:], stdout, stderr)
	case "cancel":
		return runCancel(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "migrate":
		return runMigrate(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return workflow.ExitCompleted
	case "health":
		return runHealthCheck(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return workflow.ExitCompleted
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return workflow.ExitError
	}
}

// =============================================================================
// 🔧 公共参数
// =============================================================================

// commonFlags 每个命令都接受 --config 与 --json
type commonFlags struct {
	configPath string
	jsonOut    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to config file")
	fs.BoolVar(&c.jsonOut, "json", false, "Print machine readable JSON")
}

// stringList 可重复的字符串参数
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*s = append(*s, item)
		}
	}
	return nil
}

// parseArgs 支持位置参数出现在选项之前（stageflow status <id> --json）
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openApp 加载配置、初始化日志并装配运行时
func openApp(ctx context.Context, configPath string, stderr io.Writer) (*App, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := initLogger(cfg.Log)
	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := app.Close(ctx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
		}
		_ = logger.Sync()
	}
	return app, closeFn, nil
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return workflow.ExitCode(nil, err)
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	resume := fs.Bool("resume", true, "Resume in-progress tasks on startup")
	if _, err := parseArgs(fs, args); err != nil {
		return workflow.ExitError
	}

	app, closeApp, err := openApp(context.Background(), common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}

	app.logger.Info("Starting StageFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	server := NewServer(app)
	if err := server.Start(); err != nil {
		app.logger.Error("Failed to start server", zap.Error(err))
		closeApp()
		return workflow.ExitError
	}
	if *resume {
		server.ResumeInProgress(context.Background())
	}

	server.WaitForShutdown()
	closeApp()
	app.logger.Info("StageFlow stopped")
	return workflow.ExitCompleted
}

// =============================================================================
// ▶️ start / retry：同步运行，SIGINT 协作式取消
// =============================================================================

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	req := workflow.StartRequest{}
	var tools stringList
	var contextFile string
	fs.StringVar(&req.TaskID, "task-id", "", "Task ID (generated when empty)")
	fs.StringVar(&req.Objective, "objective", "", "Task objective (required)")
	fs.StringVar(&req.Context, "context", "", "Context snapshot passed to the first stage")
	fs.StringVar(&contextFile, "context-file", "", "Read the context snapshot from a file")
	fs.IntVar(&req.CandidateLimit, "candidate-limit", 0, "Number of candidates to generate (minimum 2)")
	fs.Var(&tools, "tool", "Tool catalog entry (repeatable or comma separated)")
	if _, err := parseArgs(fs, args); err != nil {
		return workflow.ExitError
	}
	if contextFile != "" {
		data, err := os.ReadFile(contextFile)
		if err != nil {
			return fail(stderr, fmt.Errorf("read context file: %w", err))
		}
		req.Context = string(data)
	}
	req.ToolCatalog = tools
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	if err := req.Validate(); err != nil {
		return fail(stderr, err)
	}

	ctx := context.Background()
	app, closeApp, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeApp()

	fmt.Fprintf(stderr, "task %s started\n", req.TaskID)
	stop := cancelOnSignal(app, req.TaskID, stderr)
	_, out, err := app.engine.Start(ctx, req)
	stop()
	return report(ctx, app, req.TaskID, out, err, common.jsonOut, stdout, stderr)
}

func runRetry(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	stage := fs.String("stage", "", "Stage to retry (required)")
	positional, err := parseArgs(fs, args)
	if err != nil {
		return workflow.ExitError
	}
	if len(positional) != 1 || *stage == "" {
		fmt.Fprintln(stderr, "Usage: stageflow retry <task-id> --stage <stage>")
		return workflow.ExitError
	}
	taskID := positional[0]

	ctx := context.Background()
	app, closeApp, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeApp()

	stop := cancelOnSignal(app, taskID, stderr)
	out, err := app.engine.Retry(ctx, taskID, workflow.StageID(*stage))
	stop()
	return report(ctx, app, taskID, out, err, common.jsonOut, stdout, stderr)
}

// cancelOnSignal 第一次 SIGINT/SIGTERM 取消任务，第二次立即退出
func cancelOnSignal(app *App, taskID string, stderr io.Writer) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Fprintf(stderr, "cancelling task %s (interrupt again to exit immediately)\n", taskID)
		go func() {
			select {
			case <-sigCh:
				os.Exit(workflow.ExitCancelled)
			case <-done:
			}
		}()
		if err := app.engine.Cancel(context.Background(), taskID); err != nil {
			app.logger.Warn("cancel failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// report 打印最终状态表并返回退出码
func report(ctx context.Context, app *App, taskID string, out *workflow.Outcome, runErr error,
	jsonOut bool, stdout, stderr io.Writer) int {
	code := workflow.ExitCode(out, runErr)
	if runErr == nil && out != nil {
		runErr = out.Err
	}

	status, err := app.engine.Status(ctx, taskID)
	switch {
	case err != nil:
		fmt.Fprintf(stderr, "status: %v\n", err)
	case jsonOut:
		writeJSON(stdout, status)
	default:
		printStatus(stdout, status)
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
	}
	return code
}

// =============================================================================
// 📋 status / cancel / export
// =============================================================================

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return workflow.ExitError
	}

	ctx := context.Background()
	app, closeApp, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeApp()

	if len(positional) == 0 {
		docs, err := app.engine.List(ctx, document.ListFilter{Limit: 50})
		if err != nil {
			return fail(stderr, err)
		}
		if common.jsonOut {
			writeJSON(stdout, docs)
			return workflow.ExitCompleted
		}
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tSTATUS\tUPDATED\tOBJECTIVE")
		for _, d := range docs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.TaskID, d.Status, d.UpdatedAt.Format(time.RFC3339), truncate(d.Inputs.Objective, 60))
		}
		_ = tw.Flush()
		return workflow.ExitCompleted
	}

	status, err := app.engine.Status(ctx, positional[0])
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOut {
		writeJSON(stdout, status)
	} else {
		printStatus(stdout, status)
	}
	return workflow.ExitCompleted
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	positional, err := parseArgs(fs, args)
	if err != nil {
		return workflow.ExitError
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Usage: stageflow cancel <task-id>")
		return workflow.ExitError
	}

	ctx := context.Background()
	app, closeApp, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeApp()

	if err := app.engine.Cancel(ctx, positional[0]); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "task %s cancelled\n", positional[0])
	return workflow.ExitCompleted
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	outPath := fs.String("out", "", "Write the Markdown document to this file instead of stdout")
	positional, err := parseArgs(fs, args)
	if err != nil {
		return workflow.ExitError
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Usage: stageflow export <task-id> [--out file]")
		return workflow.ExitError
	}

	ctx := context.Background()
	app, closeApp, err := openApp(ctx, common.configPath, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeApp()

	w := stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fail(stderr, err)
		}
		defer f.Close()
		w = f
	}
	if err := document.Export(ctx, app.store, positional[0], w); err != nil {
		return fail(stderr, err)
	}
	return workflow.ExitCompleted
}

func printStatus(w io.Writer, r *workflow.StatusReport) {
	fmt.Fprintf(w, "Task:   %s\n", r.TaskID)
	fmt.Fprintf(w, "Status: %s", r.Status)
	if r.StatusReason != "" {
		fmt.Fprintf(w, " (%s)", r.StatusReason)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tANCHOR\tSTATE\tATTEMPTS\tVERSION\tLAST REASON\tDEGRADED")
	for _, s := range r.Stages {
		degraded := ""
		if s.Degraded {
			degraded = strings.Join(s.DegradedReasons, "; ")
			if degraded == "" {
				degraded = "yes"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Stage, s.Anchor, s.State, s.Attempts, s.Version, s.LastReason, degraded)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/ready", "Endpoint to probe")
	if err := fs.Parse(args); err != nil {
		return workflow.ExitError
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + *path)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return workflow.ExitError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fmt.Fprintf(stderr, "Health check failed: status %d %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return workflow.ExitError
	}

	fmt.Fprintln(stdout, "OK")
	return workflow.ExitCompleted
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "StageFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `StageFlow - stage-gated document orchestration

Usage:
  stageflow <command> [options]

Commands:
  serve     Start the HTTP API server
  start     Create a task and run it to completion
  status    Show the stage table of a task (or list tasks)
  retry     Reset a stage's retry window and resume the task
  cancel    Cancel a task
  export    Write the task document as Markdown
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)
  --json            Print machine readable JSON

Exit codes:
  0    all stages completed
  2    blocked after the retry ceiling was reached
  130  cancelled
  1    any other error

Examples:
  stageflow serve --config /etc/stageflow/config.yaml
  stageflow start --objective "Ship the billing export" --candidate-limit 3 --tool git --tool jira
  stageflow status 3f2a... --json
  stageflow retry 3f2a... --stage stage2b
  stageflow export 3f2a... --out plan.md
  stageflow migrate up
  stageflow health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
