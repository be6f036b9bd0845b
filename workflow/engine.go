package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/types"
)

// =============================================================================
// 🚀 Engine: start / status / retry / cancel
// =============================================================================

// MinCandidateLimit candidate_limit 的下限
const MinCandidateLimit = 2

// 退出码
const (
	ExitCompleted = 0
	ExitError     = 1
	ExitBlocked   = 2
	ExitCancelled = 130
)

// StartRequest 启动任务的输入
type StartRequest struct {
	TaskID         string   `json:"task_id,omitempty"`
	Objective      string   `json:"objective"`
	Context        string   `json:"context,omitempty"`
	CandidateLimit int      `json:"candidate_limit,omitempty"`
	ToolCatalog    []string `json:"tool_catalog,omitempty"`
}

// Validate 校验启动参数
func (r StartRequest) Validate() error {
	if strings.TrimSpace(r.Objective) == "" {
		return types.NewError(types.ErrInvalidRequest, "objective is required").WithHTTPStatus(400)
	}
	if r.CandidateLimit != 0 && r.CandidateLimit < MinCandidateLimit {
		return types.Errorf(types.ErrInvalidRequest, "candidate_limit must be at least %d", MinCandidateLimit).
			WithHTTPStatus(400)
	}
	return nil
}

type activeRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outcome *Outcome
	err     error
}

// Engine 面向 CLI / API 的任务操作入口。同一任务在一个进程内同时只有一个编排循环
type Engine struct {
	orch   *Orchestrator
	store  document.Store
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// NewEngine 创建引擎
func NewEngine(orch *Orchestrator, store document.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		orch:   orch,
		store:  store,
		logger: logger.With(zap.String("component", "engine")),
		active: make(map[string]*activeRun),
	}
}

// Store 文档存储
func (e *Engine) Store() document.Store { return e.store }

// Graph 阶段图
func (e *Engine) Graph() *Graph { return e.orch.graph }

// Create 创建文档（每个锚点一个占位段落），不启动编排
func (e *Engine) Create(ctx context.Context, req StartRequest) (*document.Document, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	doc := &document.Document{
		TaskID: taskID,
		Inputs: document.Inputs{
			Objective:       req.Objective,
			ContextSnapshot: req.Context,
			CandidateLimit:  req.CandidateLimit,
			ToolCatalog:     req.ToolCatalog,
		},
		Status:  document.StatusPending,
		Anchors: e.orch.graph.Anchors(),
	}
	if err := e.store.Create(ctx, doc); err != nil {
		if errors.Is(err, document.ErrAlreadyExists) {
			return nil, types.Errorf(types.ErrInvalidRequest, "task %s already exists", taskID).
				WithHTTPStatus(409).WithCause(err)
		}
		return nil, err
	}
	e.logger.Info("task created", zap.String("task_id", taskID))
	return e.store.Get(ctx, taskID)
}

// Start 创建文档并同步运行编排直到结束
func (e *Engine) Start(ctx context.Context, req StartRequest) (*document.Document, *Outcome, error) {
	doc, err := e.Create(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	out, err := e.run(ctx, doc.TaskID, RunOptions{})
	return doc, out, err
}

// Launch 创建文档并在后台运行编排
func (e *Engine) Launch(ctx context.Context, req StartRequest) (*document.Document, error) {
	doc, err := e.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.launch(ctx, doc.TaskID, RunOptions{}); err != nil {
		return nil, err
	}
	return doc, nil
}

// Resume 继续运行一个未结束的文档（例如进程重启后）
func (e *Engine) Resume(ctx context.Context, taskID string) (*Outcome, error) {
	return e.run(ctx, taskID, RunOptions{})
}

// Status 文档状态与每阶段状态表
func (e *Engine) Status(ctx context.Context, taskID string) (*StatusReport, error) {
	doc, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, storeError(err, taskID)
	}
	sections, err := e.store.ReadAll(ctx, taskID)
	if err != nil {
		return nil, err
	}
	runs, err := e.store.ListRuns(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return BuildStatus(e.orch.graph, doc, sections, runs), nil
}

// List 列出文档
func (e *Engine) List(ctx context.Context, filter document.ListFilter) ([]*document.Document, error) {
	return e.store.List(ctx, filter)
}

// Retry 显式重试：为阶段开启新的重试窗口，解除阻塞并同步恢复编排。
// 已提交阶段在 noop 策略下直接返回当前状态。
func (e *Engine) Retry(ctx context.Context, taskID string, stage StageID) (*Outcome, error) {
	ropts, noop, err := e.prepareRetry(ctx, taskID, stage)
	if err != nil || noop != nil {
		return noop, err
	}
	return e.run(ctx, taskID, ropts)
}

// RetryAsync 与 Retry 相同，但编排在后台进行
func (e *Engine) RetryAsync(ctx context.Context, taskID string, stage StageID) error {
	ropts, noop, err := e.prepareRetry(ctx, taskID, stage)
	if err != nil || noop != nil {
		return err
	}
	return e.launch(ctx, taskID, ropts)
}

func (e *Engine) prepareRetry(ctx context.Context, taskID string, stage StageID) (RunOptions, *Outcome, error) {
	node, ok := e.orch.graph.Node(stage)
	if !ok {
		return RunOptions{}, nil, types.Errorf(types.ErrInvalidRequest, "unknown stage %s", stage).WithHTTPStatus(400)
	}
	if e.isActive(taskID) {
		return RunOptions{}, nil, invalidTransition("task %s is already running", taskID)
	}

	doc, err := e.store.Get(ctx, taskID)
	if err != nil {
		return RunOptions{}, nil, storeError(err, taskID)
	}
	if doc.Status == document.StatusCancelled {
		return RunOptions{}, nil, invalidTransition("task %s is cancelled", taskID)
	}

	section, err := e.store.Read(ctx, taskID, node.Anchor)
	if err != nil {
		return RunOptions{}, nil, err
	}
	if !section.Placeholder {
		if e.orch.opts.Recommit != RecommitAllow {
			e.logger.Info("retry of committed stage is a no-op",
				zap.String("task_id", taskID),
				zap.String("stage", string(stage)),
			)
			return RunOptions{}, &Outcome{TaskID: taskID, Status: doc.Status, Reason: doc.StatusReason}, nil
		}
		return RunOptions{Recommit: []StageID{stage}}, nil, nil
	}
	if doc.Status == document.StatusCompleted {
		return RunOptions{}, nil, invalidTransition("task %s is completed", taskID)
	}

	if doc.Status == document.StatusBlocked {
		if err := e.store.SetStatus(ctx, taskID, document.StatusInProgress, "retry "+string(stage)); err != nil {
			return RunOptions{}, nil, err
		}
	}
	e.logger.Info("retry window opened",
		zap.String("task_id", taskID),
		zap.String("stage", string(stage)),
	)
	return RunOptions{Reset: []StageID{stage}}, nil, nil
}

// Cancel 标记文档取消并协作式取消本进程内的在途运行
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	doc, err := e.store.Get(ctx, taskID)
	if err != nil {
		return storeError(err, taskID)
	}
	switch doc.Status {
	case document.StatusCancelled:
		return nil
	case document.StatusCompleted:
		return invalidTransition("task %s is completed", taskID)
	}

	reason := "cancelled"
	if writer, ok := types.Writer(ctx); ok && writer != "" {
		reason += " by " + writer
	}
	if err := e.store.SetStatus(ctx, taskID, document.StatusCancelled, reason); err != nil {
		return err
	}

	e.mu.Lock()
	ar := e.active[taskID]
	e.mu.Unlock()
	if ar == nil {
		return nil
	}
	ar.cancel()
	select {
	case <-ar.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.logger.Info("task cancelled", zap.String("task_id", taskID))
	return nil
}

// Wait 等待后台编排结束；任务没有在运行时立即返回
func (e *Engine) Wait(ctx context.Context, taskID string) (*Outcome, error) {
	e.mu.Lock()
	ar := e.active[taskID]
	e.mu.Unlock()
	if ar == nil {
		return nil, nil
	}
	select {
	case <-ar.done:
		return ar.outcome, ar.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown 取消所有后台编排并等待退出；文档状态保持不变，可在重启后恢复
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, ar := range e.active {
		ar.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isActive(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskID]
	return ok
}

func (e *Engine) register(ctx context.Context, taskID string) (context.Context, *activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[taskID]; ok {
		return nil, nil, invalidTransition("task %s is already running", taskID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.active[taskID] = ar
	e.wg.Add(1)
	return runCtx, ar, nil
}

func (e *Engine) unregister(taskID string, ar *activeRun) {
	e.mu.Lock()
	if e.active[taskID] == ar {
		delete(e.active, taskID)
	}
	e.mu.Unlock()
	ar.cancel()
	close(ar.done)
	e.wg.Done()
}

func (e *Engine) run(ctx context.Context, taskID string, ropts RunOptions) (*Outcome, error) {
	runCtx, ar, err := e.register(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer e.unregister(taskID, ar)

	start := time.Now()
	ar.outcome, ar.err = e.orch.Run(runCtx, taskID, ropts)
	e.logFinished(taskID, ar, time.Since(start))
	return ar.outcome, ar.err
}

func (e *Engine) launch(ctx context.Context, taskID string, ropts RunOptions) error {
	runCtx, ar, err := e.register(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return err
	}
	go func() {
		defer e.unregister(taskID, ar)
		start := time.Now()
		ar.outcome, ar.err = e.orch.Run(runCtx, taskID, ropts)
		e.logFinished(taskID, ar, time.Since(start))
	}()
	return nil
}

func (e *Engine) logFinished(taskID string, ar *activeRun, elapsed time.Duration) {
	if ar.err != nil {
		e.logger.Error("orchestration error", zap.String("task_id", taskID), zap.Error(ar.err))
		return
	}
	e.logger.Info("orchestration returned",
		zap.String("task_id", taskID),
		zap.String("status", string(ar.outcome.Status)),
		zap.Duration("elapsed", elapsed),
	)
}

// ExitCode 把运行结果映射为 CLI 退出码
func ExitCode(out *Outcome, err error) int {
	if err != nil {
		switch types.GetErrorCode(err) {
		case types.ErrBlockedDocument:
			return ExitBlocked
		case types.ErrCancelled:
			return ExitCancelled
		}
		return ExitError
	}
	if out == nil {
		return ExitError
	}
	switch out.Status {
	case document.StatusCompleted:
		return ExitCompleted
	case document.StatusBlocked:
		return ExitBlocked
	case document.StatusCancelled:
		return ExitCancelled
	}
	if types.IsCode(out.Err, types.ErrCancelled) {
		return ExitCancelled
	}
	return ExitError
}

func invalidTransition(format string, args ...any) *types.Error {
	return types.Errorf(types.ErrInvalidTransition, format, args...).WithHTTPStatus(409)
}
