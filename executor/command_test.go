package executor

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/testutil"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func TestCommandExecutor_StdinToStdout(t *testing.T) {
	requireShell(t)
	// 阶段 ID 作为最后一个参数追加，在 sh -c 中即 $0
	script := `stage="$0"; input=$(cat); printf '{"stage":"%s","env":"%s","bytes":%d}' "$stage" "$STAGEFLOW_TASK_ID" "${#input}"`
	e, err := NewCommandExecutor([]string{"sh", "-c", script}, nil, zap.NewNop())
	require.NoError(t, err)

	sc, schema := testRequest(t)
	out, err := e.Invoke(context.Background(), workflow.StageMeta, sc, schema)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"stage":"stage1"`)
	assert.Contains(t, string(out), `"env":"task-1"`)
	assert.NotContains(t, string(out), `"bytes":0`)
}

func TestCommandExecutor_ExtraEnv(t *testing.T) {
	requireShell(t)
	e, err := NewCommandExecutor([]string{"sh", "-c", `cat >/dev/null; printf '{"region":"%s"}' "$AGENT_REGION"`}, nil, nil)
	require.NoError(t, err)
	e = e.WithEnv("AGENT_REGION=eu-west")

	sc, schema := testRequest(t)
	out, err := e.Invoke(context.Background(), workflow.StageMeta, sc, schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"region":"eu-west"}`, string(out))
}

func TestCommandExecutor_PerStageCommand(t *testing.T) {
	requireShell(t)
	e, err := NewCommandExecutor(nil, map[string][]string{
		"stage1": {"sh", "-c", `cat >/dev/null; echo '{"text":"{\"ok\":true}"}'`},
	}, nil)
	require.NoError(t, err)

	sc, schema := testRequest(t)
	out, err := e.Invoke(context.Background(), workflow.StageMeta, sc, schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	_, err = e.Invoke(context.Background(), workflow.StageCandidates, sc, schema)
	testutil.AssertErrorCode(t, err, types.ErrExecutorFailure)
}

func TestCommandExecutor_NonZeroExit(t *testing.T) {
	requireShell(t)
	e, err := NewCommandExecutor([]string{"sh", "-c", `cat >/dev/null; echo "model overloaded" >&2; exit 3`}, nil, nil)
	require.NoError(t, err)

	sc, schema := testRequest(t)
	_, err = e.Invoke(context.Background(), workflow.StageMeta, sc, schema)
	testutil.AssertErrorCode(t, err, types.ErrExecutorFailure)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCommandExecutor_KilledOnDeadline(t *testing.T) {
	requireShell(t)
	e, err := NewCommandExecutor([]string{"sh", "-c", `exec sleep 10`}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sc, schema := testRequest(t)
	start := time.Now()
	_, err = e.Invoke(ctx, workflow.StageMeta, sc, schema)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewCommandExecutor_Validation(t *testing.T) {
	_, err := NewCommandExecutor(nil, nil, nil)
	assert.Error(t, err)

	_, err = NewCommandExecutor(nil, map[string][]string{"stage1": {}}, nil)
	assert.Error(t, err)

	e, err := NewCommandExecutor([]string{"agent", "--json"}, nil, nil)
	require.NoError(t, err)
	argv, err := e.argv(workflow.StagePlan)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "--json", "stage3"}, argv)
}
