package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// ⚡ 熔断器
// =============================================================================

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常放行
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断中，直接失败
	CircuitOpen
	// CircuitHalfOpen 半开，放行有限的探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeout 熔断后多久进入半开
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测请求数
	HalfOpenMaxProbes int `json:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen 半开状态下连续成功多少次后恢复
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          3,
		SuccessThresholdInHalfOpen: 2,
	}
}

// Recorder 熔断状态指标，由 internal/metrics.Collector 实现
type Recorder interface {
	RecordCircuitState(stage string, state int)
}

// circuit 单个阶段的熔断器
type circuit struct {
	stage           workflow.StageID
	config          BreakerConfig
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	probes          int

	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// allow 检查是否放行
func (c *circuit) allow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := c.now().Sub(c.lastFailureTime)
		if elapsed >= c.config.RecoveryTimeout {
			c.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			c.probes = 1
			c.successes = 0
			return nil
		}
		return fmt.Errorf("%w: %d consecutive failures, retry after %v",
			ErrCircuitOpen, c.failures, c.config.RecoveryTimeout-elapsed)

	default:
		if c.probes < c.config.HalfOpenMaxProbes {
			c.probes++
			return nil
		}
		return fmt.Errorf("%w: half-open probes (%d) exhausted", ErrCircuitOpen, c.config.HalfOpenMaxProbes)
	}
}

func (c *circuit) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		c.failures = 0
	case CircuitHalfOpen:
		c.successes++
		if c.successes >= c.config.SuccessThresholdInHalfOpen {
			c.failures = 0
			c.successes = 0
			c.transitionTo(CircuitClosed, "half-open probes succeeded")
		}
	}
}

func (c *circuit) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailureTime = c.now()

	switch c.state {
	case CircuitClosed:
		if c.failures >= c.config.FailureThreshold {
			c.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", c.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		c.successes = 0
		c.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// release 归还未得出结论的半开探测名额
func (c *circuit) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitHalfOpen && c.probes > 0 {
		c.probes--
	}
}

// transitionTo 必须在锁内调用
func (c *circuit) transitionTo(next CircuitState, reason string) {
	prev := c.state
	c.state = next
	c.logger.Info("circuit breaker state change",
		zap.String("stage", string(c.stage)),
		zap.String("old_state", prev.String()),
		zap.String("new_state", next.String()),
		zap.String("reason", reason),
		zap.Int("failures", c.failures))
	if c.recorder != nil {
		c.recorder.RecordCircuitState(string(c.stage), int(next))
	}
}

// =============================================================================
// 🛡️ Breaker 执行器装饰器
// =============================================================================

// ErrCircuitOpen 熔断期间的快速失败
var ErrCircuitOpen = errors.New("executor circuit open")

// Breaker 按阶段熔断的执行器装饰器。熔断时直接返回 EXECUTOR_FAILURE，
// 不调用下层执行器；取消不计入失败
type Breaker struct {
	next     workflow.AgentExecutor
	config   BreakerConfig
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	circuits map[workflow.StageID]*circuit
}

// NewBreaker 创建熔断装饰器
func NewBreaker(next workflow.AgentExecutor, config BreakerConfig, logger *zap.Logger, recorder Recorder) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = 1
	}
	if config.SuccessThresholdInHalfOpen <= 0 {
		config.SuccessThresholdInHalfOpen = 1
	}
	return &Breaker{
		next:     next,
		config:   config,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "executor_breaker")),
		now:      time.Now,
		circuits: make(map[workflow.StageID]*circuit),
	}
}

// circuitFor 获取或创建阶段的熔断器
func (b *Breaker) circuitFor(stage workflow.StageID) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[stage]; ok {
		return c
	}
	c := &circuit{
		stage:    stage,
		config:   b.config,
		recorder: b.recorder,
		logger:   b.logger,
		now:      b.now,
	}
	b.circuits[stage] = c
	return c
}

// State 阶段的熔断状态，从未调用过的阶段为 closed
func (b *Breaker) State(stage workflow.StageID) CircuitState {
	b.mu.Lock()
	c, ok := b.circuits[stage]
	b.mu.Unlock()
	if !ok {
		return CircuitClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States 所有阶段的熔断状态
func (b *Breaker) States() map[workflow.StageID]CircuitState {
	b.mu.Lock()
	stages := make([]workflow.StageID, 0, len(b.circuits))
	for id := range b.circuits {
		stages = append(stages, id)
	}
	b.mu.Unlock()

	out := make(map[workflow.StageID]CircuitState, len(stages))
	for _, id := range stages {
		out[id] = b.State(id)
	}
	return out
}

// Reset 手动恢复阶段的熔断器
func (b *Breaker) Reset(stage workflow.StageID) {
	c := b.circuitFor(stage)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.successes = 0
	c.probes = 0
	if c.state != CircuitClosed {
		c.transitionTo(CircuitClosed, "manual reset")
	}
}

// Invoke implements workflow.AgentExecutor.
func (b *Breaker) Invoke(ctx context.Context, stage workflow.StageID, sc *workflow.ScopedContext, schema workflow.Schema) (json.RawMessage, error) {
	c := b.circuitFor(stage)
	if err := c.allow(); err != nil {
		return nil, failure(stage, "executor unavailable").WithCause(err)
	}

	out, err := b.next.Invoke(ctx, stage, sc, schema)
	switch {
	case err == nil:
		c.recordSuccess()
	case errors.Is(err, context.Canceled):
		c.release()
	default:
		c.recordFailure()
	}
	return out, err
}

var _ workflow.AgentExecutor = (*Breaker)(nil)
