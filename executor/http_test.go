package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/testutil"
	"github.com/BaSui01/stageflow/testutil/fixtures"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

func newTestHTTPExecutor(t *testing.T, handler http.HandlerFunc, opts ...HTTPOption) *HTTPExecutor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	exec, err := NewHTTPExecutor(srv.URL+"/agents", zap.NewNop(), append([]HTTPOption{WithHTTPClient(srv.Client())}, opts...)...)
	require.NoError(t, err)
	return exec
}

func TestHTTPExecutor_PostsRequest(t *testing.T) {
	var got Request
	var method, path, auth, task string
	exec := newTestHTTPExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		task = r.Header.Get("X-Task-ID")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fixtures.MetaAnalysisJSON))
	}, WithToken("secret"))

	sc, schema := testRequest(t)
	out, err := exec.Invoke(context.Background(), workflow.StageMeta, sc, schema)
	require.NoError(t, err)
	assert.JSONEq(t, fixtures.MetaAnalysisJSON, string(out))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/agents/stages/stage1", path)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "task-1", task)
	assert.Equal(t, workflow.StageMeta, got.Stage)
	require.NotNil(t, got.Context)
	assert.Equal(t, "Reduce checkout latency", got.Context.Inputs.Objective)
	assert.Equal(t, schema.Required(), got.Schema.Required())
}

func TestHTTPExecutor_UnwrapsTextResponse(t *testing.T) {
	exec := newTestHTTPExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"text": fixtures.MetaAnalysisJSON})
	})

	sc, schema := testRequest(t)
	out, err := exec.Invoke(context.Background(), workflow.StageMeta, sc, schema)
	require.NoError(t, err)
	assert.JSONEq(t, fixtures.MetaAnalysisJSON, string(out))
}

func TestHTTPExecutor_Non2xxIsFailure(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError, http.StatusBadGateway} {
		exec := newTestHTTPExecutor(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "agent crashed", status)
		})

		sc, schema := testRequest(t)
		_, err := exec.Invoke(context.Background(), workflow.StageMeta, sc, schema)
		testutil.AssertErrorCode(t, err, types.ErrExecutorFailure)
		assert.Contains(t, err.Error(), "agent crashed")
		assert.True(t, types.IsRetryable(err))
	}
}

func TestHTTPExecutor_HonorsDeadline(t *testing.T) {
	release := make(chan struct{})
	exec := newTestHTTPExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		// 读完请求体后客户端断开才会取消 r.Context()
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	// 后注册先执行：在 srv.Close 之前放行挂起的处理器
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sc, schema := testRequest(t)
	start := time.Now()
	_, err := exec.Invoke(ctx, workflow.StageMeta, sc, schema)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPExecutor_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	exec, err := NewHTTPExecutor(url, zap.NewNop())
	require.NoError(t, err)
	sc, schema := testRequest(t)
	_, err = exec.Invoke(context.Background(), workflow.StageMeta, sc, schema)
	testutil.AssertErrorCode(t, err, types.ErrExecutorFailure)
}

func TestHTTPExecutor_Endpoint(t *testing.T) {
	exec, err := NewHTTPExecutor("http://agents:9000/v1/", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://agents:9000/v1/stages/stage2a", exec.Endpoint(workflow.StageCandidates))

	_, err = NewHTTPExecutor("agents", nil)
	assert.Error(t, err)
}
