package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/api"
	"github.com/BaSui01/stageflow/document"
	"github.com/BaSui01/stageflow/testutil/fixtures"
	"github.com/BaSui01/stageflow/testutil/mocks"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// 🧪 测试环境
// =============================================================================

type taskEnv struct {
	engine *workflow.Engine
	exec   *mocks.ScriptedExecutor
	mux    *http.ServeMux
}

func newTaskEnv(t *testing.T) *taskEnv {
	t.Helper()
	registry := workflow.DefaultRegistry()
	store := document.NewMemoryStore(document.WithValidator(registry))
	exec := mocks.NewScriptedExecutor().WithOutputs(fixtures.ValidPayloads())
	orch := workflow.NewOrchestrator(workflow.DefaultGraph(), registry, store, exec, workflow.Options{
		Retry:           workflow.RetryPolicy{Ceiling: 2},
		ExecutorTimeout: 2 * time.Second,
		ScanInterval:    5 * time.Millisecond,
		MaxParallel:     2,
	}, zap.NewNop())
	engine := workflow.NewEngine(orch, store, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	mux := http.NewServeMux()
	NewTaskHandler(engine, zap.NewNop()).Register(mux, nil)
	return &taskEnv{engine: engine, exec: exec, mux: mux}
}

func (e *taskEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

// decodeData 解码 Response.Data 到目标结构
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) Response {
	t.Helper()
	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	if dst != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, dst))
	}
	return raw.Response
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeData(t, w, nil)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

// =============================================================================
// 🧪 启动
// =============================================================================

func TestTaskHandler_StartAndWait(t *testing.T) {
	env := newTaskEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"task_id":"t1","objective":"Reduce checkout latency","candidate_limit":3,"wait":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out api.OutcomeResponse
	resp := decodeData(t, w, &out)
	assert.True(t, resp.Success)
	assert.Equal(t, "t1", out.TaskID)
	assert.Equal(t, document.StatusCompleted, out.Status)
	assert.Equal(t, workflow.ExitCompleted, out.ExitCode)
	require.NotNil(t, out.Report)
	assert.Len(t, out.Report.Stages, 6)
}

func TestTaskHandler_StartAsync(t *testing.T) {
	env := newTaskEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"objective":"Reduce checkout latency"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var acc api.AcceptedResponse
	decodeData(t, w, &acc)
	require.NotEmpty(t, acc.TaskID)
	assert.Equal(t, "/api/v1/tasks/"+acc.TaskID, acc.StatusURL)

	_, err := env.engine.Wait(context.Background(), acc.TaskID)
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, acc.StatusURL, "")
	require.Equal(t, http.StatusOK, w.Code)
	var report workflow.StatusReport
	decodeData(t, w, &report)
	assert.Equal(t, document.StatusCompleted, report.Status)
}

func TestTaskHandler_StartRejectsBadRequests(t *testing.T) {
	env := newTaskEnv(t)

	tests := []struct {
		name       string
		body       string
		header     string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"missing objective", `{"objective":" "}`, "application/json", http.StatusBadRequest, types.ErrInvalidRequest},
		{"candidate limit below two", `{"objective":"x","candidate_limit":1}`, "application/json", http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown field", `{"objective":"x","model":"gpt"}`, "application/json", http.StatusBadRequest, types.ErrInvalidRequest},
		{"malformed json", `{"objective":`, "application/json", http.StatusBadRequest, types.ErrInvalidRequest},
		{"wrong content type", `{"objective":"x"}`, "text/plain", http.StatusUnsupportedMediaType, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", tt.header)
			w := httptest.NewRecorder()
			env.mux.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, string(tt.wantCode), errorCode(t, w))
		})
	}
}

func TestTaskHandler_StartDuplicateIsConflict(t *testing.T) {
	env := newTaskEnv(t)
	_, err := env.engine.Create(context.Background(), workflow.StartRequest{TaskID: "dup", Objective: "x"})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"task_id":"dup","objective":"x"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrInvalidRequest), errorCode(t, w))
}

// =============================================================================
// 🧪 状态 / 列表
// =============================================================================

func TestTaskHandler_StatusNotFound(t *testing.T) {
	env := newTaskEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/tasks/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), errorCode(t, w))
}

func TestTaskHandler_List(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()
	_, _, err := env.engine.Start(ctx, workflow.StartRequest{TaskID: "done", Objective: "x"})
	require.NoError(t, err)
	_, err = env.engine.Create(ctx, workflow.StartRequest{TaskID: "waiting", Objective: "y"})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list api.TaskListResponse
	decodeData(t, w, &list)
	assert.Len(t, list.Tasks, 2)

	w = env.do(t, http.MethodGet, "/api/v1/tasks?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &list)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, "waiting", list.Tasks[0].TaskID)
	assert.Equal(t, "y", list.Tasks[0].Inputs.Objective)

	w = env.do(t, http.MethodGet, "/api/v1/tasks?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/tasks?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// 🧪 重试 / 取消
// =============================================================================

func TestTaskHandler_RetryUnblocks(t *testing.T) {
	env := newTaskEnv(t)
	env.exec.FailTimes(workflow.StageMeta, 2, errors.New("provider down"))

	w := env.do(t, http.MethodPost, "/api/v1/tasks", `{"task_id":"b1","objective":"x","wait":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	var out api.OutcomeResponse
	decodeData(t, w, &out)
	assert.Equal(t, document.StatusBlocked, out.Status)
	assert.Equal(t, workflow.ExitBlocked, out.ExitCode)

	row, ok := out.Report.Stage(workflow.StageMeta)
	require.True(t, ok)
	assert.Equal(t, workflow.StageFailed, row.State)
	assert.Equal(t, document.ReasonExecutorFailure, row.LastReason)

	w = env.do(t, http.MethodPost, "/api/v1/tasks/b1/retry", `{"stage":"stage1","wait":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeData(t, w, &out)
	assert.Equal(t, document.StatusCompleted, out.Status)
	assert.Equal(t, workflow.ExitCompleted, out.ExitCode)
}

func TestTaskHandler_RetryErrors(t *testing.T) {
	env := newTaskEnv(t)
	_, err := env.engine.Create(context.Background(), workflow.StartRequest{TaskID: "r1", Objective: "x"})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/tasks/r1/retry", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/tasks/r1/retry", `{"stage":"stage9"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/tasks/ghost/retry", `{"stage":"stage1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, env.engine.Cancel(context.Background(), "r1"))
	w = env.do(t, http.MethodPost, "/api/v1/tasks/r1/retry", `{"stage":"stage1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrInvalidTransition), errorCode(t, w))
}

func TestTaskHandler_Cancel(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()
	_, err := env.engine.Create(ctx, workflow.StartRequest{TaskID: "c1", Objective: "x"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/tasks/c1/cancel", "")
		require.Equal(t, http.StatusOK, w.Code)
		var task api.TaskResponse
		decodeData(t, w, &task)
		assert.Equal(t, document.StatusCancelled, task.Status)
	}

	_, _, err = env.engine.Start(ctx, workflow.StartRequest{TaskID: "c2", Objective: "x"})
	require.NoError(t, err)
	w := env.do(t, http.MethodPost, "/api/v1/tasks/c2/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

// =============================================================================
// 🧪 段落 / 审计 / 导出
// =============================================================================

func TestTaskHandler_SectionAuditAndDocument(t *testing.T) {
	env := newTaskEnv(t)
	_, _, err := env.engine.Start(context.Background(), workflow.StartRequest{TaskID: "d1", Objective: "Reduce checkout latency"})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/tasks/d1/sections/"+workflow.AnchorMeta, "")
	require.Equal(t, http.StatusOK, w.Code)
	var section document.Section
	decodeData(t, w, &section)
	assert.False(t, section.Placeholder)
	assert.Equal(t, int64(1), section.Version)
	assert.Contains(t, string(section.Payload), "Reduce checkout latency below 200ms")

	w = env.do(t, http.MethodGet, "/api/v1/tasks/d1/sections/NOPE", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/tasks/d1/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var records []document.AuditRecord
	decodeData(t, w, &records)
	assert.Len(t, records, 6)

	w = env.do(t, http.MethodGet, "/api/v1/tasks/d1/audit?anchor="+workflow.AnchorPlan, "")
	decodeData(t, w, &records)
	require.Len(t, records, 1)
	assert.Equal(t, workflow.AnchorPlan, records[0].Anchor)

	w = env.do(t, http.MethodGet, "/api/v1/tasks/ghost/audit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/tasks/d1/document", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/markdown; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Reduce checkout latency")
	assert.Contains(t, w.Body.String(), workflow.AnchorExecution)
}
