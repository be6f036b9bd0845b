package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/testutil"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

// flakyExecutor 按脚本依次返回错误，脚本用完后成功
type flakyExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *flakyExecutor) Invoke(ctx context.Context, stage workflow.StageID, sc *workflow.ScopedContext, schema workflow.Schema) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []int
}

func (r *stateRecorder) RecordCircuitState(stage string, state int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestBreaker(next workflow.AgentExecutor, cfg BreakerConfig) (*Breaker, *fakeClock, *stateRecorder) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &stateRecorder{}
	b := NewBreaker(next, cfg, nil, rec)
	b.now = clock.Now
	return b, clock, rec
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	boom := errors.New("boom")
	next := &flakyExecutor{errs: []error{boom, boom, boom}}
	b, _, rec := newTestBreaker(next, BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxProbes: 1, SuccessThresholdInHalfOpen: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Invoke(ctx, workflow.StageMeta, nil, workflow.Schema{})
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, CircuitOpen, b.State(workflow.StageMeta))

	_, err := b.Invoke(ctx, workflow.StageMeta, nil, workflow.Schema{})
	testutil.AssertErrorCode(t, err, types.ErrExecutorFailure)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, next.calls, "an open circuit does not call the executor")

	// 其他阶段不受影响
	out, err := b.Invoke(ctx, workflow.StagePlan, nil, workflow.Schema{})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, out)
	assert.Equal(t, CircuitClosed, b.State(workflow.StagePlan))

	assert.Equal(t, []int{int(CircuitOpen)}, rec.states)
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	boom := errors.New("boom")
	next := &flakyExecutor{errs: []error{boom, boom}}
	b, clock, _ := newTestBreaker(next, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenMaxProbes: 2, SuccessThresholdInHalfOpen: 2})
	ctx := context.Background()

	_, _ = b.Invoke(ctx, workflow.StageMeta, nil, workflow.Schema{})
	require.Equal(t, CircuitOpen, b.State(workflow.StageMeta))

	// 半开探测失败后重新熔断
	clock.t = clock.t.Add(31 * time.Second)
	_, err := b.Invoke(ctx, workflow.StageMeta, nil, workflow.Schema{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, CircuitOpen, b.State(workflow.StageMeta))

	clock.t = clock.t.Add(31 * time.Second)
	_, err = b.Invoke(ctx, workflow.StageMeta, nil, workflow.Schema{})
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, b.State(workflow.StageMeta))

	_, err = b.Invoke(ctx, workflow.StageMeta, nil, workflow.Schema{})
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, b.State(workflow.StageMeta))
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	next := &flakyExecutor{errs: []error{context.Canceled, context.Canceled, context.Canceled}}
	b, _, _ := newTestBreaker(next, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := b.Invoke(context.Background(), workflow.StageMeta, nil, workflow.Schema{})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, CircuitClosed, b.State(workflow.StageMeta))
	assert.Equal(t, 3, next.calls)
}

func TestBreaker_Reset(t *testing.T) {
	next := &flakyExecutor{errs: []error{errors.New("boom")}}
	b, _, rec := newTestBreaker(next, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	_, _ = b.Invoke(context.Background(), workflow.StagePlan, nil, workflow.Schema{})
	assert.Equal(t, map[workflow.StageID]CircuitState{workflow.StagePlan: CircuitOpen}, b.States())

	b.Reset(workflow.StagePlan)
	assert.Equal(t, CircuitClosed, b.State(workflow.StagePlan))
	_, err := b.Invoke(context.Background(), workflow.StagePlan, nil, workflow.Schema{})
	assert.NoError(t, err)
	assert.Equal(t, []int{int(CircuitOpen), int(CircuitClosed)}, rec.states)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
