// ScriptedExecutor 的阶段执行器测试模拟实现。
//
// 支持按阶段固定输出、按次数注入错误、挂起与延迟，并记录每次调用。
package mocks

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/stageflow/workflow"
)

// --- ScriptedExecutor 结构 ---

// ScriptedExecutor 是 workflow.AgentExecutor 的模拟实现。
// 每个阶段先消费脚本队列中的步骤，队列为空后返回固定输出。
type ScriptedExecutor struct {
	mu sync.Mutex

	// 响应配置
	outputs map[workflow.StageID]json.RawMessage
	scripts map[workflow.StageID][]scriptStep
	delays  map[workflow.StageID]time.Duration

	// 调用记录
	calls     []ExecutorCall
	active    map[workflow.StageID]int
	maxActive int
	hook      func(ctx context.Context, stage workflow.StageID)
}

type scriptStep struct {
	payload      json.RawMessage
	err          error
	hang         bool
	sleep        time.Duration
	ignoreCancel bool
}

// ExecutorCall 记录单次调用
type ExecutorCall struct {
	Stage       workflow.StageID
	Attempt     int
	Context     *workflow.ScopedContext
	Schema      workflow.Schema
	Overlapping []workflow.StageID
	StartedAt   time.Time
	EndedAt     time.Time
	Payload     json.RawMessage
	Error       error
}

// ErrScripted 默认注入的执行器错误
var ErrScripted = errors.New("scripted executor failure")

// --- 构造函数和 Builder 方法 ---

// NewScriptedExecutor 创建新的 ScriptedExecutor
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		outputs: make(map[workflow.StageID]json.RawMessage),
		scripts: make(map[workflow.StageID][]scriptStep),
		delays:  make(map[workflow.StageID]time.Duration),
		active:  make(map[workflow.StageID]int),
	}
}

// WithOutput 设置阶段的固定输出
func (e *ScriptedExecutor) WithOutput(stage workflow.StageID, payload json.RawMessage) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[stage] = payload
	return e
}

// WithOutputs 批量设置固定输出，键为阶段 ID
func (e *ScriptedExecutor) WithOutputs(outputs map[string]json.RawMessage) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	for stage, payload := range outputs {
		e.outputs[workflow.StageID(stage)] = payload
	}
	return e
}

// WithDelay 每次调用前等待 d；ctx 结束时提前返回
func (e *ScriptedExecutor) WithDelay(stage workflow.StageID, d time.Duration) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delays[stage] = d
	return e
}

// WithHook 每次调用开始时执行 fn，用于在运行期间修改外部状态
func (e *ScriptedExecutor) WithHook(fn func(ctx context.Context, stage workflow.StageID)) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hook = fn
	return e
}

// FailTimes 接下来 n 次调用返回 err（nil 时使用 ErrScripted）
func (e *ScriptedExecutor) FailTimes(stage workflow.StageID, n int, err error) *ScriptedExecutor {
	if err == nil {
		err = ErrScripted
	}
	return e.enqueue(stage, n, scriptStep{err: err})
}

// RespondOnce 下一次调用返回 payload，之后恢复固定输出
func (e *ScriptedExecutor) RespondOnce(stage workflow.StageID, payload json.RawMessage) *ScriptedExecutor {
	return e.enqueue(stage, 1, scriptStep{payload: payload})
}

// HangTimes 接下来 n 次调用阻塞直到 ctx 结束
func (e *ScriptedExecutor) HangTimes(stage workflow.StageID, n int) *ScriptedExecutor {
	return e.enqueue(stage, n, scriptStep{hang: true})
}

// SleepIgnoringContext 下一次调用无视 ctx 睡眠 d 后返回 payload，模拟不配合取消的执行器
func (e *ScriptedExecutor) SleepIgnoringContext(stage workflow.StageID, d time.Duration, payload json.RawMessage) *ScriptedExecutor {
	return e.enqueue(stage, 1, scriptStep{payload: payload, sleep: d, ignoreCancel: true})
}

func (e *ScriptedExecutor) enqueue(stage workflow.StageID, n int, step scriptStep) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	for range n {
		e.scripts[stage] = append(e.scripts[stage], step)
	}
	return e
}

// --- workflow.AgentExecutor 接口实现 ---

// Invoke implements workflow.AgentExecutor.
func (e *ScriptedExecutor) Invoke(ctx context.Context, stage workflow.StageID, sc *workflow.ScopedContext, schema workflow.Schema) (json.RawMessage, error) {
	e.mu.Lock()
	step, scripted := e.next(stage)
	if !scripted {
		step = scriptStep{payload: e.outputs[stage], sleep: e.delays[stage]}
	}
	var overlapping []workflow.StageID
	for other, n := range e.active {
		if n > 0 {
			overlapping = append(overlapping, other)
		}
	}
	slices.Sort(overlapping)
	e.active[stage]++
	if total := e.totalActive(); total > e.maxActive {
		e.maxActive = total
	}
	idx := len(e.calls)
	e.calls = append(e.calls, ExecutorCall{
		Stage:       stage,
		Attempt:     e.countLocked(stage) + 1,
		Context:     sc,
		Schema:      schema,
		Overlapping: overlapping,
		StartedAt:   time.Now(),
	})
	hook := e.hook
	e.mu.Unlock()

	payload, err := e.perform(ctx, stage, step, hook)

	e.mu.Lock()
	e.active[stage]--
	e.calls[idx].EndedAt = time.Now()
	e.calls[idx].Payload = payload
	e.calls[idx].Error = err
	e.mu.Unlock()
	return payload, err
}

func (e *ScriptedExecutor) perform(ctx context.Context, stage workflow.StageID, step scriptStep,
	hook func(context.Context, workflow.StageID)) (json.RawMessage, error) {
	if hook != nil {
		hook(ctx, stage)
	}
	if step.sleep > 0 {
		if step.ignoreCancel {
			time.Sleep(step.sleep)
		} else {
			select {
			case <-time.After(step.sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if step.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.err != nil {
		return nil, step.err
	}
	if step.payload == nil {
		return nil, errors.New("no output scripted for stage " + string(stage))
	}
	return append(json.RawMessage(nil), step.payload...), nil
}

func (e *ScriptedExecutor) next(stage workflow.StageID) (scriptStep, bool) {
	queue := e.scripts[stage]
	if len(queue) == 0 {
		return scriptStep{}, false
	}
	e.scripts[stage] = queue[1:]
	return queue[0], true
}

func (e *ScriptedExecutor) totalActive() int {
	n := 0
	for _, c := range e.active {
		n += c
	}
	return n
}

func (e *ScriptedExecutor) countLocked(stage workflow.StageID) int {
	n := 0
	for _, c := range e.calls {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

// --- 查询方法 ---

// Calls 返回所有调用记录的副本
func (e *ScriptedExecutor) Calls() []ExecutorCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// CallsFor 返回某个阶段的调用记录
func (e *ScriptedExecutor) CallsFor(stage workflow.StageID) []ExecutorCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ExecutorCall
	for _, c := range e.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// CallCount 返回某个阶段的调用次数
func (e *ScriptedExecutor) CallCount(stage workflow.StageID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countLocked(stage)
}

// MaxConcurrent 同一时刻在执行中的最大调用数
func (e *ScriptedExecutor) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}

// Reset 清空调用记录与脚本队列，保留固定输出
func (e *ScriptedExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
	e.scripts = make(map[workflow.StageID][]scriptStep)
	e.active = make(map[workflow.StageID]int)
	e.maxActive = 0
}

var _ workflow.AgentExecutor = (*ScriptedExecutor)(nil)
