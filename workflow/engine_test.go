package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/testutil"
	"github.com/BaSui01/stageflow/testutil/fixtures"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

func TestStartRequest_Validate(t *testing.T) {
	assert.NoError(t, workflow.StartRequest{Objective: "x"}.Validate())
	assert.NoError(t, workflow.StartRequest{Objective: "x", CandidateLimit: 2}.Validate())
	testutil.AssertErrorCode(t, workflow.StartRequest{Objective: "  "}.Validate(), types.ErrInvalidRequest)
	testutil.AssertErrorCode(t, workflow.StartRequest{Objective: "x", CandidateLimit: 1}.Validate(), types.ErrInvalidRequest)
}

func TestEngine_CreateRejectsDuplicates(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	doc, err := h.engine.Create(ctx, workflow.StartRequest{TaskID: "dup", Objective: "x", ToolCatalog: []string{"grep"}})
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, doc.Status)
	assert.Len(t, doc.Anchors, 6)
	assert.Equal(t, []string{"grep"}, doc.Inputs.ToolCatalog)

	_, err = h.engine.Create(ctx, workflow.StartRequest{TaskID: "dup", Objective: "x"})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)

	generated, err := h.engine.Create(ctx, workflow.StartRequest{Objective: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.TaskID)

	for _, id := range h.graph.Topological() {
		assert.True(t, h.section(t, "dup", id).Placeholder)
	}
}

func TestEngine_StatusOfUnknownTask(t *testing.T) {
	h := newHarness(t, testOptions())
	_, err := h.engine.Status(context.Background(), "ghost")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}

func TestEngine_RetryCommittedStageIsNoop(t *testing.T) {
	h := newHarness(t, testOptions())
	h.start(t, "noop")
	before := h.exec.CallCount(workflow.StageMeta)

	out, err := h.engine.Retry(context.Background(), "noop", workflow.StageMeta)
	require.NoError(t, err)
	assert.Equal(t, document.StatusCompleted, out.Status)
	assert.Equal(t, before, h.exec.CallCount(workflow.StageMeta))
	assert.Equal(t, int64(1), h.section(t, "noop", workflow.StageMeta).Version)
}

func TestEngine_RecommitIsIdempotent(t *testing.T) {
	opts := testOptions()
	opts.Recommit = workflow.RecommitAllow
	h := newHarness(t, opts)
	h.start(t, "recommit")

	out, err := h.engine.Retry(context.Background(), "recommit", workflow.StageCandidates)
	require.NoError(t, err)
	assert.Equal(t, document.StatusCompleted, out.Status)
	assert.Equal(t, 2, h.exec.CallCount(workflow.StageCandidates))
	assert.Equal(t, 1, h.exec.CallCount(workflow.StageSelection), "downstream is not re-run")

	s := h.section(t, "recommit", workflow.StageCandidates)
	assert.Equal(t, int64(1), s.Version, "identical output writes nothing")
	audit, err := h.store.Audit(context.Background(), "recommit", workflow.AnchorCandidates)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	runs := h.runsOf(t, "recommit", workflow.StageCandidates)
	require.Len(t, runs, 2)
	assert.Equal(t, document.RunCommitted, runs[1].State)
	assert.True(t, runs[1].Unchanged)
	assert.Equal(t, int64(1), runs[1].CommittedVersion)
}

func TestEngine_RecommitFailureKeepsSection(t *testing.T) {
	opts := testOptions()
	opts.Recommit = workflow.RecommitAllow
	h := newHarness(t, opts)
	h.start(t, "keep")

	h.exec.FailTimes(workflow.StageMeta, 1, errors.New("provider down"))
	out, err := h.engine.Retry(context.Background(), "keep", workflow.StageMeta)
	require.NoError(t, err)
	assert.Equal(t, document.StatusCompleted, out.Status)

	s := h.section(t, "keep", workflow.StageMeta)
	assert.False(t, s.Placeholder)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, 2, h.exec.CallCount(workflow.StageMeta), "a failed recommit is not retried automatically")
}

func TestEngine_RetryErrors(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	h.start(t, "done")

	_, err := h.engine.Retry(ctx, "done", "ghost")
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)

	_, err = h.engine.Retry(ctx, "missing", workflow.StageMeta)
	testutil.AssertErrorCode(t, err, types.ErrNotFound)

	_, err = h.engine.Create(ctx, workflow.StartRequest{TaskID: "gone", Objective: "x"})
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, "gone"))
	_, err = h.engine.Retry(ctx, "gone", workflow.StageMeta)
	testutil.AssertErrorCode(t, err, types.ErrInvalidTransition)
}

func TestEngine_CancelCompletedIsInvalid(t *testing.T) {
	h := newHarness(t, testOptions())
	h.start(t, "finished")

	err := h.engine.Cancel(context.Background(), "finished")
	testutil.AssertErrorCode(t, err, types.ErrInvalidTransition)
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := types.WithWriter(context.Background(), "alice")
	_, err := h.engine.Create(ctx, workflow.StartRequest{TaskID: "twice", Objective: "x"})
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(ctx, "twice"))
	require.NoError(t, h.engine.Cancel(ctx, "twice"))

	doc, err := h.store.Get(ctx, "twice")
	require.NoError(t, err)
	assert.Equal(t, document.StatusCancelled, doc.Status)
	assert.Equal(t, "cancelled by alice", doc.StatusReason)

	out, err := h.engine.Resume(ctx, "twice")
	require.NoError(t, err)
	testutil.AssertErrorCode(t, out.Err, types.ErrCancelled)
	assert.Equal(t, workflow.ExitCancelled, workflow.ExitCode(out, nil))
	assert.Empty(t, h.exec.Calls())
}

func TestEngine_CancelDiscardsLateResults(t *testing.T) {
	h := newHarness(t, testOptions())
	h.exec.SleepIgnoringContext(workflow.StagePlan, 300*time.Millisecond, []byte(fixtures.StepPlanJSON))

	ctx := testutil.TestContext(t)
	_, err := h.engine.Launch(ctx, workflow.StartRequest{TaskID: "abort", Objective: "x"})
	require.NoError(t, err)

	require.True(t, testutil.WaitFor(func() bool {
		return h.exec.CallCount(workflow.StagePlan) == 1
	}, 2*time.Second), "stage3 never started")

	require.NoError(t, h.engine.Cancel(ctx, "abort"))

	out, err := h.engine.Wait(ctx, "abort")
	require.NoError(t, err)
	assert.Nil(t, out, "the run already finished")

	// 等待迟到的结果返回
	require.True(t, testutil.WaitFor(func() bool {
		calls := h.exec.CallsFor(workflow.StagePlan)
		return len(calls) == 1 && !calls[0].EndedAt.IsZero()
	}, 2*time.Second))
	time.Sleep(20 * time.Millisecond)

	doc, err := h.store.Get(ctx, "abort")
	require.NoError(t, err)
	assert.Equal(t, document.StatusCancelled, doc.Status)

	assert.True(t, h.section(t, "abort", workflow.StagePlan).Placeholder, "late result must not be committed")
	audit, err := h.store.Audit(ctx, "abort", workflow.AnchorPlan)
	require.NoError(t, err)
	assert.Empty(t, audit)

	runs := h.runsOf(t, "abort", workflow.StagePlan)
	require.Len(t, runs, 1)
	assert.Equal(t, document.RunRejected, runs[0].State)
	assert.Equal(t, document.ReasonCancelled, runs[0].Reason)
	assert.Zero(t, h.exec.CallCount(workflow.StageExecution))

	report, err := h.engine.Status(ctx, "abort")
	require.NoError(t, err)
	row, _ := report.Stage(workflow.StageExecution)
	assert.Equal(t, workflow.StageSkipped, row.State)
}

func TestEngine_LaunchRejectsConcurrentRuns(t *testing.T) {
	h := newHarness(t, testOptions())
	h.exec.HangTimes(workflow.StageMeta, 1)

	ctx := testutil.TestContext(t)
	_, err := h.engine.Launch(ctx, workflow.StartRequest{TaskID: "busy", Objective: "x"})
	require.NoError(t, err)
	require.True(t, testutil.WaitFor(func() bool { return h.exec.CallCount(workflow.StageMeta) == 1 }, 2*time.Second))

	_, err = h.engine.Resume(ctx, "busy")
	testutil.AssertErrorCode(t, err, types.ErrInvalidTransition)
	_, err = h.engine.Retry(ctx, "busy", workflow.StageMeta)
	testutil.AssertErrorCode(t, err, types.ErrInvalidTransition)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(shutdownCtx))

	doc, err := h.store.Get(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, document.StatusInProgress, doc.Status, "shutdown leaves the document resumable")

	out, err := h.engine.Resume(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, document.StatusCompleted, out.Status)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		out  *workflow.Outcome
		err  error
		want int
	}{
		{"completed", &workflow.Outcome{Status: document.StatusCompleted}, nil, workflow.ExitCompleted},
		{"blocked", &workflow.Outcome{Status: document.StatusBlocked}, nil, workflow.ExitBlocked},
		{"cancelled", &workflow.Outcome{Status: document.StatusCancelled}, nil, workflow.ExitCancelled},
		{"interrupted", &workflow.Outcome{Status: document.StatusInProgress, Err: types.NewError(types.ErrCancelled, "stop")}, nil, workflow.ExitCancelled},
		{"blocked error", nil, types.NewError(types.ErrBlockedDocument, "blocked"), workflow.ExitBlocked},
		{"infrastructure error", nil, errors.New("disk full"), workflow.ExitError},
		{"nil outcome", nil, nil, workflow.ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, workflow.ExitCode(tt.out, tt.err))
		})
	}
}
