package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/knowledge"
	"github.com/BaSui01/stageflow/types"
)

// =============================================================================
// 🎼 Orchestrator
// =============================================================================

// AgentExecutor 外部智能体执行器。必须遵守 ctx 的截止时间；
// 超时或取消后返回的结果会被丢弃。
type AgentExecutor interface {
	Invoke(ctx context.Context, stage StageID, sc *ScopedContext, schema Schema) (json.RawMessage, error)
}

// ExecutorFunc 函数形式的执行器
type ExecutorFunc func(ctx context.Context, stage StageID, sc *ScopedContext, schema Schema) (json.RawMessage, error)

// Invoke implements AgentExecutor.
func (f ExecutorFunc) Invoke(ctx context.Context, stage StageID, sc *ScopedContext, schema Schema) (json.RawMessage, error) {
	return f(ctx, stage, sc, schema)
}

// Recorder 编排相关指标，由 internal/metrics.Collector 实现
type Recorder interface {
	StageRunStarted(stage string)
	RecordStageRun(stage, state, reason string, duration time.Duration)
	RecordGateDecision(stage, decision string)
	RecordWriteConflict(stage string)
	RecordDocumentFinished(status string)
	RecordKnowledgeLookup(library, result string)
}

type nopRecorder struct{}

func (nopRecorder) StageRunStarted(string)                               {}
func (nopRecorder) RecordStageRun(string, string, string, time.Duration) {}
func (nopRecorder) RecordGateDecision(string, string)                    {}
func (nopRecorder) RecordWriteConflict(string)                           {}
func (nopRecorder) RecordDocumentFinished(string)                        {}
func (nopRecorder) RecordKnowledgeLookup(string, string)                 {}

// Options 编排参数
type Options struct {
	Retry            RetryPolicy    `json:"retry" yaml:"retry"`
	ExecutorTimeout  time.Duration  `json:"executor_timeout" yaml:"executor_timeout"`
	KnowledgeTimeout time.Duration  `json:"knowledge_timeout" yaml:"knowledge_timeout"`
	ScanInterval     time.Duration  `json:"scan_interval" yaml:"scan_interval"`
	MaxParallel      int            `json:"max_parallel" yaml:"max_parallel"`
	Recommit         RecommitPolicy `json:"recommit" yaml:"recommit"`
	Writer           string         `json:"writer" yaml:"writer"`
}

// DefaultOptions returns the default orchestrator options
func DefaultOptions() Options {
	return Options{
		Retry:            DefaultRetryPolicy(),
		ExecutorTimeout:  30 * time.Second,
		KnowledgeTimeout: 10 * time.Second,
		ScanInterval:     500 * time.Millisecond,
		MaxParallel:      2,
		Recommit:         RecommitNoop,
		Writer:           "orchestrator",
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.Retry.Ceiling <= 0 {
		o.Retry.Ceiling = def.Retry.Ceiling
	}
	if o.Retry.BackoffMultiplier < 1 {
		o.Retry.BackoffMultiplier = def.Retry.BackoffMultiplier
	}
	if o.ExecutorTimeout <= 0 {
		o.ExecutorTimeout = def.ExecutorTimeout
	}
	if o.KnowledgeTimeout <= 0 {
		o.KnowledgeTimeout = def.KnowledgeTimeout
	}
	o.KnowledgeTimeout = min(o.KnowledgeTimeout, o.ExecutorTimeout)
	if o.ScanInterval <= 0 {
		o.ScanInterval = def.ScanInterval
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = def.MaxParallel
	}
	if o.Recommit == "" {
		o.Recommit = def.Recommit
	}
	if o.Writer == "" {
		o.Writer = def.Writer
	}
	return o
}

// RunOptions 单次 Run 的显式决定
type RunOptions struct {
	// Reset 为这些阶段开启新的重试窗口
	Reset []StageID
	// Recommit 重新执行这些已提交阶段（仅 RecommitAllow 生效）
	Recommit []StageID
}

// Outcome Run 的结果。Err 在文档阻塞或取消时携带 BLOCKED_DOCUMENT / CANCELLED
type Outcome struct {
	TaskID string               `json:"task_id"`
	Status document.Status      `json:"status"`
	Reason string               `json:"reason,omitempty"`
	Runs   []*document.StageRun `json:"runs"`
	Err    error                `json:"-"`
}

// OrchestratorOption 编排器可选项
type OrchestratorOption func(*Orchestrator)

// WithMetrics 设置指标记录器
func WithMetrics(m Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer 设置 tracer，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithKnowledge 注册知识库，按 Name() 匹配阶段的 KnowledgeRef
func WithKnowledge(libs ...knowledge.Library) OrchestratorOption {
	return func(o *Orchestrator) {
		for _, lib := range libs {
			if lib != nil {
				o.libs[lib.Name()] = lib
			}
		}
	}
}

// WithClock 替换时间源
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator 驱动单个文档走完阶段图
type Orchestrator struct {
	graph    *Graph
	registry *Registry
	store    document.Store
	gate     *Gate
	handoff  *HandoffResolver
	executor AgentExecutor
	libs     map[string]knowledge.Library
	metrics  Recorder
	tracer   trace.Tracer
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(graph *Graph, registry *Registry, store document.Store, executor AgentExecutor,
	opts Options, logger *zap.Logger, options ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		graph:    graph,
		registry: registry,
		store:    store,
		executor: executor,
		libs:     make(map[string]knowledge.Library),
		metrics:  nopRecorder{},
		tracer:   otel.Tracer("github.com/BaSui01/stageflow/workflow"),
		opts:     opts.normalize(),
		logger:   logger.With(zap.String("component", "orchestrator")),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	o.gate = NewGate(graph, registry, store, logger)
	o.gate.now = o.now
	o.handoff = NewHandoffResolver(graph, logger)
	return o
}

// Graph 阶段图
func (o *Orchestrator) Graph() *Graph { return o.graph }

// Options 生效的参数
func (o *Orchestrator) Options() Options { return o.opts }

// Gate 闸门
func (o *Orchestrator) Gate() *Gate { return o.gate }

// Run 扫描并执行可运行阶段，直到所有终端阶段提交、文档阻塞或被取消。
// 返回的 error 只表示基础设施故障；阻塞与取消通过 Outcome 表达。
func (o *Orchestrator) Run(ctx context.Context, taskID string, ropts RunOptions) (*Outcome, error) {
	persist := context.WithoutCancel(ctx)
	doc, err := o.store.Get(persist, taskID)
	if err != nil {
		return nil, storeError(err, taskID)
	}

	out := &Outcome{TaskID: taskID, Status: doc.Status, Reason: doc.StatusReason}
	switch doc.Status {
	case document.StatusCancelled:
		out.Err = cancelledError(taskID, nil)
		return out, nil
	case document.StatusBlocked:
		out.Err = blockedError(taskID, "", doc.StatusReason)
		return out, nil
	case document.StatusCompleted:
		if o.opts.Recommit != RecommitAllow || len(ropts.Recommit) == 0 {
			return out, nil
		}
	}

	l, err := o.newLoop(ctx, doc, ropts)
	if err != nil {
		return nil, err
	}
	return l.run(ctx)
}

// =============================================================================
// 运行循环
// =============================================================================

type stageTrack struct {
	window    int
	rejected  int
	attempts  int
	notBefore time.Time
	recommit  bool
}

type flight struct {
	run      *document.StageRun
	node     StageNode
	decision GateDecision
	sc       *ScopedContext
	cancel   context.CancelFunc
	span     trace.Span
}

type flightResult struct {
	stage   StageID
	runID   string
	payload json.RawMessage
	err     error
}

type runLoop struct {
	o        *Orchestrator
	taskID   string
	writer   string
	persist  context.Context
	doc      *document.Document
	tracks   map[StageID]*stageTrack
	flights  map[StageID]*flight
	results  chan flightResult
	done     chan struct{}
	sem      *semaphore.Weighted
	runs     []*document.StageRun
	blockers []string
	outcome  *Outcome
	// 最近一次发出的运行时间戳
	lastStamp time.Time
}

func (o *Orchestrator) newLoop(ctx context.Context, doc *document.Document, ropts RunOptions) (*runLoop, error) {
	persist := context.WithoutCancel(ctx)
	writer, ok := types.Writer(ctx)
	if !ok || writer == "" {
		writer = o.opts.Writer
	}

	l := &runLoop{
		o:       o,
		taskID:  doc.TaskID,
		writer:  writer,
		persist: persist,
		doc:     doc,
		tracks:  make(map[StageID]*stageTrack),
		flights: make(map[StageID]*flight),
		results: make(chan flightResult),
		done:    make(chan struct{}),
		sem:     semaphore.NewWeighted(int64(o.opts.MaxParallel)),
	}
	for _, id := range o.graph.Topological() {
		l.tracks[id] = &stageTrack{}
	}

	previous, err := o.store.ListRuns(persist, doc.TaskID)
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", doc.TaskID, err)
	}
	byStage := make(map[StageID][]*document.StageRun)
	for _, r := range previous {
		if r.EndedAt != nil && r.EndedAt.After(l.lastStamp) {
			l.lastStamp = *r.EndedAt
		}
		if !r.Finished() {
			// 上一个进程留下的未结束运行
			ended := l.stamp()
			r.State = document.RunRejected
			r.Reason = document.ReasonCancelled
			r.Error = "run abandoned by a previous orchestrator"
			r.ErrorCode = string(types.ErrCancelled)
			r.EndedAt = &ended
			if err := o.store.SaveRun(persist, r); err != nil {
				return nil, fmt.Errorf("close abandoned run %s: %w", r.ID, err)
			}
		}
		byStage[StageID(r.Stage)] = append(byStage[StageID(r.Stage)], r)
	}
	for id, tr := range l.tracks {
		runs := byStage[id]
		tr.attempts = len(runs)
		tr.window = currentWindow(runs)
		tr.rejected = countedRejections(runs, tr.window)
	}

	for _, id := range ropts.Reset {
		if tr, ok := l.tracks[id]; ok {
			tr.window++
			tr.rejected = 0
			tr.notBefore = time.Time{}
		}
	}
	if o.opts.Recommit == RecommitAllow {
		for _, id := range ropts.Recommit {
			if tr, ok := l.tracks[id]; ok {
				tr.recommit = true
			}
		}
	}

	if doc.Status != document.StatusInProgress {
		if err := o.store.SetStatus(persist, doc.TaskID, document.StatusInProgress, ""); err != nil {
			return nil, fmt.Errorf("mark %s in progress: %w", doc.TaskID, err)
		}
	}
	return l, nil
}

// countedRejections 窗口内计入上限的拒绝次数；取消不计入
func countedRejections(runs []*document.StageRun, window int) int {
	n := 0
	for _, r := range runs {
		if r.Window == window && r.State == document.RunRejected && r.Reason != document.ReasonCancelled {
			n++
		}
	}
	return n
}

func (l *runLoop) run(ctx context.Context) (*Outcome, error) {
	defer close(l.done)

	l.o.logger.Info("orchestration started",
		zap.String("task_id", l.taskID),
		zap.String("writer", l.writer),
	)

	for {
		if err := ctx.Err(); err != nil {
			return l.abort(err)
		}

		doc, err := l.o.store.Get(l.persist, l.taskID)
		if err != nil {
			return l.fail(storeError(err, l.taskID))
		}
		l.doc = doc
		if doc.Status == document.StatusCancelled {
			if err := l.cancelFlights("document cancelled"); err != nil {
				return l.fail(err)
			}
			l.finishAs(document.StatusCancelled, doc.StatusReason, cancelledError(l.taskID, nil))
			return l.result()
		}

		committed, err := l.committed()
		if err != nil {
			return l.fail(err)
		}
		if l.complete(committed) {
			if err := l.finish(document.StatusCompleted, "", nil); err != nil {
				return l.fail(err)
			}
			return l.result()
		}

		launched, err := l.scan(ctx, committed)
		if err != nil {
			return l.fail(err)
		}
		if l.outcome != nil {
			return l.result()
		}

		if !launched && len(l.flights) == 0 && !l.backoffPending() {
			reason := "stalled"
			if len(l.blockers) > 0 {
				reason += ": " + strings.Join(l.blockers, "; ")
			}
			if err := l.finish(document.StatusBlocked, reason, blockedError(l.taskID, "", reason)); err != nil {
				return l.fail(err)
			}
			return l.result()
		}

		timer := time.NewTimer(l.waitFor())
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.abort(ctx.Err())
		case res := <-l.results:
			timer.Stop()
			if err := l.handle(res); err != nil {
				return l.fail(err)
			}
			if l.outcome != nil {
				return l.result()
			}
		case <-timer.C:
		}
	}
}

// committed 段落非占位符的阶段
func (l *runLoop) committed() (map[StageID]bool, error) {
	sections, err := l.o.store.ReadAll(l.persist, l.taskID)
	if err != nil {
		return nil, fmt.Errorf("read sections of %s: %w", l.taskID, err)
	}
	out := make(map[StageID]bool, len(sections))
	for _, s := range sections {
		if id, ok := l.o.graph.StageOfAnchor(s.Anchor); ok && !s.Placeholder {
			out[id] = true
		}
	}
	return out, nil
}

func (l *runLoop) complete(committed map[StageID]bool) bool {
	if len(l.flights) > 0 {
		return false
	}
	for _, tr := range l.tracks {
		if tr.recommit {
			return false
		}
	}
	for _, id := range l.o.graph.Terminals() {
		if !committed[id] {
			return false
		}
	}
	return true
}

// scan 按拓扑序判定并启动可运行阶段；只有与所有在途阶段相互独立的阶段才会并发
func (l *runLoop) scan(ctx context.Context, committed map[StageID]bool) (bool, error) {
	launched := false
	l.blockers = l.blockers[:0]
	now := l.o.now()

	for _, node := range l.o.graph.Nodes() {
		tr := l.tracks[node.ID]
		if _, busy := l.flights[node.ID]; busy {
			continue
		}
		if committed[node.ID] && !tr.recommit {
			continue
		}
		if !committed[node.ID] && l.o.opts.Retry.Exhausted(tr.rejected) {
			return launched, l.block(node.ID, "")
		}
		if now.Before(tr.notBefore) || !l.independentOfFlights(node.ID) {
			continue
		}
		if !l.sem.TryAcquire(1) {
			break
		}

		decision, err := l.o.gate.IsRunnable(l.persist, l.taskID, node.ID)
		if err != nil {
			l.sem.Release(1)
			return launched, err
		}
		l.o.metrics.RecordGateDecision(string(node.ID), gateLabel(decision))
		if !decision.Runnable {
			l.sem.Release(1)
			if !committed[node.ID] {
				l.blockers = append(l.blockers, fmt.Sprintf("%s: %s", node.ID, strings.Join(decision.Blockers, ", ")))
			}
			if tr.recommit {
				tr.recommit = false
			}
			continue
		}

		ok, err := l.admit(ctx, node, decision)
		if err != nil {
			l.sem.Release(1)
			return launched, err
		}
		if !ok {
			l.sem.Release(1)
			if l.outcome != nil {
				return launched, nil
			}
			// 交接失败的运行已被拒绝，同样算作进展
			launched = true
			continue
		}
		launched = true
	}
	return launched, nil
}

func gateLabel(d GateDecision) string {
	switch {
	case !d.Runnable:
		return "blocked"
	case d.Degraded:
		return "degraded"
	default:
		return "runnable"
	}
}

func (l *runLoop) independentOfFlights(id StageID) bool {
	for other := range l.flights {
		if !l.o.graph.Independent(id, other) {
			return false
		}
	}
	return true
}

// admit 创建 QUEUED 运行，解析交接上下文，成功则转为 RUNNING 并启动执行
func (l *runLoop) admit(ctx context.Context, node StageNode, decision GateDecision) (bool, error) {
	tr := l.tracks[node.ID]
	tr.attempts++

	run := &document.StageRun{
		ID:              uuid.New().String(),
		TaskID:          l.taskID,
		Stage:           string(node.ID),
		Attempt:         tr.attempts,
		Window:          tr.window,
		State:           document.RunQueued,
		Snapshot:        decision.Versions(),
		Degraded:        decision.Degraded,
		DegradedReasons: slices.Clone(decision.Reasons),
		QueuedAt:        l.stamp(),
	}
	if err := l.o.store.SaveRun(l.persist, run); err != nil {
		return false, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	l.runs = append(l.runs, run)

	sc, err := l.o.handoff.Resolve(l.doc, decision)
	if err != nil {
		if !types.IsCode(err, types.ErrMissingHandoffField) {
			return false, err
		}
		f := &flight{run: run, node: node, decision: decision}
		return false, l.reject(f, document.ReasonMissingHandoffField, err)
	}

	started := l.stamp()
	run.State = document.RunRunning
	run.StartedAt = &started
	if err := l.o.store.SaveRun(l.persist, run); err != nil {
		return false, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	l.o.metrics.StageRunStarted(string(node.ID))

	stageCtx, cancel := context.WithCancel(ctx)
	stageCtx = types.WithTaskID(stageCtx, l.taskID)
	stageCtx = types.WithStageID(stageCtx, string(node.ID))
	stageCtx = types.WithRunID(stageCtx, run.ID)
	stageCtx, span := l.o.tracer.Start(stageCtx, "stage "+string(node.ID),
		trace.WithAttributes(
			attribute.String("stageflow.task_id", l.taskID),
			attribute.String("stageflow.stage", string(node.ID)),
			attribute.String("stageflow.run_id", run.ID),
			attribute.Int("stageflow.attempt", run.Attempt),
			attribute.Bool("stageflow.degraded", decision.Degraded),
		),
	)

	l.flights[node.ID] = &flight{
		run:      run,
		node:     node,
		decision: decision,
		sc:       sc,
		cancel:   cancel,
		span:     span,
	}

	l.o.logger.Info("stage running",
		zap.String("task_id", l.taskID),
		zap.String("stage", string(node.ID)),
		zap.String("run_id", run.ID),
		zap.Int("attempt", run.Attempt),
		zap.Bool("degraded", decision.Degraded),
	)

	go l.execute(stageCtx, node, run.ID, sc)
	return true, nil
}

// execute 在独立 goroutine 中完成知识查询与执行器调用，结果交回主循环提交
func (l *runLoop) execute(ctx context.Context, node StageNode, runID string, sc *ScopedContext) {
	l.o.lookupKnowledge(ctx, node, sc)
	payload, err := l.o.invoke(ctx, node.ID, sc)

	select {
	case l.results <- flightResult{stage: node.ID, runID: runID, payload: payload, err: err}:
	case <-l.done:
	}
}

// lookupKnowledge 查询失败或为空时只标记降级，不编造内容
func (o *Orchestrator) lookupKnowledge(ctx context.Context, node StageNode, sc *ScopedContext) {
	if node.Knowledge == nil {
		return
	}
	query := strings.ReplaceAll(node.Knowledge.Query, "{objective}", sc.Inputs.Objective)
	lib, ok := o.libs[node.Knowledge.Library]
	if !ok {
		o.metrics.RecordKnowledgeLookup(node.Knowledge.Library, "unavailable")
		sc.MarkDegraded("knowledge insufficient: " + query)
		return
	}

	entries, err := o.lookupWithTimeout(ctx, lib, query)
	if err != nil {
		result := "error"
		if errors.Is(err, knowledge.ErrInsufficient) {
			result = "insufficient"
		}
		o.metrics.RecordKnowledgeLookup(lib.Name(), result)
		o.logger.Warn("knowledge lookup insufficient",
			zap.String("stage", string(node.ID)),
			zap.String("library", lib.Name()),
			zap.Error(err),
		)
		sc.MarkDegraded("knowledge insufficient: " + query)
		return
	}
	o.metrics.RecordKnowledgeLookup(lib.Name(), "hit")
	sc.Knowledge = entries
}

// lookupWithTimeout 知识库不配合取消时也只等待 KnowledgeTimeout
func (o *Orchestrator) lookupWithTimeout(ctx context.Context, lib knowledge.Library, query string) ([]knowledge.Entry, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, o.opts.KnowledgeTimeout)
	defer cancel()

	type reply struct {
		entries []knowledge.Entry
		err     error
	}
	ch := make(chan reply, 1)
	go func() {
		entries, err := lib.Lookup(lookupCtx, query)
		ch <- reply{entries: entries, err: err}
	}()

	select {
	case r := <-ch:
		return r.entries, r.err
	case <-lookupCtx.Done():
		return nil, fmt.Errorf("knowledge lookup %s: %w", lib.Name(), lookupCtx.Err())
	}
}

// invoke 带超时调用执行器。执行器不配合取消时也不会挂住编排器
func (o *Orchestrator) invoke(ctx context.Context, stage StageID, sc *ScopedContext) (json.RawMessage, error) {
	schema, _ := o.registry.Schema(stage)
	callCtx, cancel := context.WithTimeout(ctx, o.opts.ExecutorTimeout)
	defer cancel()

	type reply struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan reply, 1)
	go func() {
		payload, err := o.executor.Invoke(callCtx, stage, sc, schema)
		ch <- reply{payload: payload, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if callCtx.Err() != nil {
				return nil, o.interrupted(ctx, stage)
			}
			return nil, r.err
		}
		return r.payload, nil
	case <-callCtx.Done():
		return nil, o.interrupted(ctx, stage)
	}
}

func (o *Orchestrator) interrupted(parent context.Context, stage StageID) error {
	if err := parent.Err(); err != nil {
		return cancelledError("", err).WithStage(string(stage))
	}
	return types.Errorf(types.ErrExecutorTimeout, "executor exceeded %s", o.opts.ExecutorTimeout).
		WithStage(string(stage)).
		WithHTTPStatus(504).
		WithRetryable(true).
		WithCause(context.DeadlineExceeded)
}

// handle 主循环中处理执行结果：校验、陈旧检查、CAS 写入
func (l *runLoop) handle(res flightResult) error {
	f, ok := l.flights[res.stage]
	if !ok || f.run.ID != res.runID {
		l.o.logger.Debug("discarding late result",
			zap.String("stage", string(res.stage)),
			zap.String("run_id", res.runID),
		)
		return nil
	}
	delete(l.flights, res.stage)
	l.sem.Release(1)
	f.cancel()

	stage := f.node.ID

	// 其他进程可能在阶段运行期间取消了文档，此时结果只记录不提交
	doc, err := l.o.store.Get(l.persist, l.taskID)
	if err != nil {
		return fmt.Errorf("reload %s: %w", l.taskID, storeError(err, l.taskID))
	}
	if doc.Status == document.StatusCancelled || doc.Status == document.StatusBlocked {
		l.doc = doc
		why := fmt.Sprintf("document %s while stage ran", doc.Status)
		return l.reject(f, document.ReasonCancelled, cancelledError(l.taskID, errors.New(why)).WithStage(string(stage)))
	}
	if res.err != nil {
		return l.reject(f, classifyExecutorError(res.err), executorError(stage, res.err))
	}

	payload, completeness, err := l.o.registry.Validate(stage, normalizeOutput(res.payload, f.node.Optional))
	if err != nil {
		return l.reject(f, document.ReasonValidationError, err)
	}
	if cc, ok := payload.(ContextChecker); ok {
		if err := cc.CheckContext(f.sc); err != nil {
			return l.reject(f, document.ReasonValidationError, validationError(stage, err.Error()).WithCause(err))
		}
	}
	canonical, err := l.o.registry.Encode(payload)
	if err != nil {
		return l.reject(f, document.ReasonValidationError, validationError(stage, err.Error()).WithCause(err))
	}

	for _, anchor := range sortedAnchors(f.decision.Snapshot) {
		want := f.decision.Snapshot[anchor].Version
		current, err := l.o.store.Read(l.persist, l.taskID, anchor)
		if err != nil {
			return fmt.Errorf("re-read upstream %s: %w", anchor, err)
		}
		if current.Version != want {
			l.o.metrics.RecordWriteConflict(string(stage))
			conflict := types.Errorf(types.ErrConflict,
				"upstream %s changed from version %d to %d while %s ran", anchor, want, current.Version, stage).
				WithStage(string(stage)).
				WithHTTPStatus(409).
				WithRetryable(true).
				WithCause(document.ErrVersionConflict)
			return l.reject(f, document.ReasonConflict, conflict)
		}
	}

	wr, err := l.o.store.Write(l.persist, l.taskID, document.WriteRequest{
		Anchor:          f.node.Anchor,
		Stage:           string(stage),
		Payload:         canonical,
		Degraded:        f.sc.Degraded,
		DegradedReasons: slices.Clone(f.sc.DegradedReasons),
		ExpectedVersion: f.decision.TargetVersion,
		Writer:          l.writer + "/" + string(stage),
	})
	switch {
	case document.IsConflict(err):
		l.o.metrics.RecordWriteConflict(string(stage))
		return l.reject(f, document.ReasonConflict, err)
	case types.IsCode(err, types.ErrValidation):
		return l.reject(f, document.ReasonValidationError, err)
	case err != nil:
		return fmt.Errorf("commit %s: %w", f.node.Anchor, err)
	}

	ended := l.stamp()
	run := f.run
	run.State = document.RunCommitted
	run.Degraded = f.sc.Degraded
	run.DegradedReasons = slices.Clone(f.sc.DegradedReasons)
	run.CommittedVersion = wr.Section.Version
	run.Unchanged = wr.Unchanged
	run.EndedAt = &ended
	if err := l.o.store.SaveRun(l.persist, run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	tr := l.tracks[stage]
	tr.recommit = false
	tr.notBefore = time.Time{}

	duration := ended.Sub(*run.StartedAt)
	l.o.metrics.RecordStageRun(string(stage), string(document.RunCommitted), "", duration)
	f.span.SetAttributes(
		attribute.Int64("stageflow.version", wr.Section.Version),
		attribute.Bool("stageflow.unchanged", wr.Unchanged),
	)
	f.span.SetStatus(codes.Ok, "committed")
	f.span.End()

	l.o.logger.Info("stage committed",
		zap.String("task_id", l.taskID),
		zap.String("stage", string(stage)),
		zap.String("run_id", run.ID),
		zap.Int64("version", wr.Section.Version),
		zap.Bool("unchanged", wr.Unchanged),
		zap.Bool("degraded", run.Degraded),
		zap.Strings("pending_fields", completeness.PendingFields),
		zap.Duration("duration", duration),
	)
	return nil
}

// reject 记录拒绝；计入当前窗口，达到上限时阻塞文档，否则设置退避
func (l *runLoop) reject(f *flight, reason document.RejectReason, cause error) error {
	run := f.run
	ended := l.stamp()
	run.State = document.RunRejected
	run.Reason = reason
	run.Error = cause.Error()
	run.ErrorCode = string(types.GetErrorCode(cause))
	run.EndedAt = &ended
	if err := l.o.store.SaveRun(l.persist, run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	var duration time.Duration
	if run.StartedAt != nil {
		duration = ended.Sub(*run.StartedAt)
	}
	l.o.metrics.RecordStageRun(run.Stage, string(document.RunRejected), string(reason), duration)
	if f.span != nil {
		f.span.RecordError(cause)
		f.span.SetStatus(codes.Error, string(reason))
		f.span.End()
	}

	l.o.logger.Warn("stage rejected",
		zap.String("task_id", l.taskID),
		zap.String("stage", run.Stage),
		zap.String("run_id", run.ID),
		zap.String("reason", string(reason)),
		zap.Error(cause),
	)

	tr := l.tracks[f.node.ID]
	if tr.recommit {
		// 已提交阶段的重新提交失败不影响已有段落
		tr.recommit = false
		return nil
	}
	if reason == document.ReasonCancelled {
		return nil
	}
	tr.rejected++
	if l.o.opts.Retry.Exhausted(tr.rejected) {
		return l.block(f.node.ID, reason)
	}
	tr.notBefore = ended.Add(l.o.opts.Retry.CalculateBackoff(tr.rejected))
	return nil
}

// block 达到重试上限：取消在途运行并把文档标记为 blocked
func (l *runLoop) block(stage StageID, last document.RejectReason) error {
	tr := l.tracks[stage]
	reason := fmt.Sprintf("stage %s reached the retry ceiling (%d rejections in window %d)",
		stage, tr.rejected, tr.window)
	if last != "" {
		reason += ", last: " + string(last)
	}
	if err := l.cancelFlights("document blocked"); err != nil {
		return err
	}
	return l.finish(document.StatusBlocked, reason, blockedError(l.taskID, stage, reason))
}

// cancelFlights 协作式取消在途运行；它们迟到的结果会被丢弃
func (l *runLoop) cancelFlights(why string) error {
	for _, id := range l.o.graph.Topological() {
		f, ok := l.flights[id]
		if !ok {
			continue
		}
		delete(l.flights, id)
		l.sem.Release(1)
		f.cancel()
		if err := l.reject(f, document.ReasonCancelled, cancelledError(l.taskID, errors.New(why)).WithStage(string(id))); err != nil {
			return err
		}
	}
	return nil
}

// stamp 返回严格晚于上一次的时间戳，时钟停滞或回拨时顺延 1ns，
// 保证下游 StartedAt 总是严格晚于上游 EndedAt
func (l *runLoop) stamp() time.Time {
	now := l.o.now()
	if !now.After(l.lastStamp) {
		now = l.lastStamp.Add(time.Nanosecond)
	}
	l.lastStamp = now
	return now
}

func (l *runLoop) backoffPending() bool {
	now := l.o.now()
	for _, tr := range l.tracks {
		if now.Before(tr.notBefore) {
			return true
		}
	}
	return false
}

func (l *runLoop) waitFor() time.Duration {
	wait := l.o.opts.ScanInterval
	now := l.o.now()
	for _, tr := range l.tracks {
		if now.Before(tr.notBefore) {
			if d := tr.notBefore.Sub(now); d < wait {
				wait = d
			}
		}
	}
	return wait
}

func (l *runLoop) finish(status document.Status, reason string, err error) error {
	if serr := l.o.store.SetStatus(l.persist, l.taskID, status, reason); serr != nil {
		return fmt.Errorf("set status of %s: %w", l.taskID, serr)
	}
	l.finishAs(status, reason, err)
	return nil
}

func (l *runLoop) finishAs(status document.Status, reason string, err error) {
	l.o.metrics.RecordDocumentFinished(string(status))
	l.outcome = &Outcome{TaskID: l.taskID, Status: status, Reason: reason, Err: err}

	fields := []zap.Field{
		zap.String("task_id", l.taskID),
		zap.String("status", string(status)),
		zap.Int("runs", len(l.runs)),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	l.o.logger.Info("orchestration finished", fields...)
}

func (l *runLoop) result() (*Outcome, error) {
	out := l.outcome
	out.Runs = make([]*document.StageRun, 0, len(l.runs))
	for _, r := range l.runs {
		out.Runs = append(out.Runs, r.Clone())
	}
	return out, nil
}

// abort Run 的 ctx 结束：取消在途运行，文档状态保持不变以便之后恢复
func (l *runLoop) abort(cause error) (*Outcome, error) {
	if err := l.cancelFlights("orchestrator stopped"); err != nil {
		return l.fail(err)
	}
	status := l.doc.Status
	if doc, err := l.o.store.Get(l.persist, l.taskID); err == nil {
		status = doc.Status
	}
	l.outcome = &Outcome{TaskID: l.taskID, Status: status, Err: cancelledError(l.taskID, cause)}
	return l.result()
}

func (l *runLoop) fail(err error) (*Outcome, error) {
	for _, f := range l.flights {
		f.cancel()
		if f.span != nil {
			f.span.RecordError(err)
			f.span.End()
		}
	}
	l.o.logger.Error("orchestration failed", zap.String("task_id", l.taskID), zap.Error(err))
	return nil, err
}

// =============================================================================
// 错误归类
// =============================================================================

func classifyExecutorError(err error) document.RejectReason {
	switch types.GetErrorCode(err) {
	case types.ErrExecutorTimeout:
		return document.ReasonExecutorTimeout
	case types.ErrCancelled:
		return document.ReasonCancelled
	case types.ErrValidation:
		return document.ReasonValidationError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return document.ReasonExecutorTimeout
	}
	return document.ReasonExecutorFailure
}

// executorError 保留执行器给出的分类，其余归为 EXECUTOR_FAILURE
func executorError(stage StageID, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.Errorf(types.ErrExecutorFailure, "executor failed").
		WithStage(string(stage)).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithCause(err)
}

func cancelledError(taskID string, cause error) *types.Error {
	e := types.NewError(types.ErrCancelled, "cancelled")
	if taskID != "" {
		e = types.Errorf(types.ErrCancelled, "task %s cancelled", taskID)
	}
	return e.WithHTTPStatus(409).WithCause(cause)
}

func blockedError(taskID string, stage StageID, reason string) *types.Error {
	e := types.Errorf(types.ErrBlockedDocument, "task %s is blocked", taskID).WithHTTPStatus(409)
	if reason != "" {
		e.Message += ": " + reason
	}
	if stage != "" {
		e = e.WithStage(string(stage))
	}
	return e
}

func storeError(err error, taskID string) error {
	if errors.Is(err, document.ErrNotFound) {
		return types.Errorf(types.ErrNotFound, "task %s not found", taskID).WithHTTPStatus(404).WithCause(err)
	}
	return err
}

// normalizeOutput 可选阶段的空输出视为空载荷
func normalizeOutput(raw json.RawMessage, optional bool) json.RawMessage {
	if optional && len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
