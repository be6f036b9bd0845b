package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/internal/tlsutil"
	"github.com/BaSui01/stageflow/workflow"
)

// maxResponseBytes 响应体上限，超出部分视为执行器故障
const maxResponseBytes = 8 << 20

// HTTPExecutor 通过 HTTP 调用外部阶段智能体
type HTTPExecutor struct {
	baseURL   *url.URL
	client    *http.Client
	token     string
	userAgent string
	logger    *zap.Logger
}

// HTTPOption 配置 HTTPExecutor
type HTTPOption func(*HTTPExecutor)

// WithToken 设置 Bearer Token
func WithToken(token string) HTTPOption {
	return func(e *HTTPExecutor) { e.token = token }
}

// WithHTTPClient 替换 HTTP 客户端（测试中使用 httptest.Server.Client()）
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(e *HTTPExecutor) {
		if client != nil {
			e.client = client
		}
	}
}

// NewHTTPExecutor 创建 HTTP 执行器。超时由调用方的 ctx 控制，客户端本身不设超时
func NewHTTPExecutor(baseURL string, logger *zap.Logger, opts ...HTTPOption) (*HTTPExecutor, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid executor base url %q: %w", baseURL, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := tlsutil.ExecutorClient("")
	if err != nil {
		return nil, err
	}
	e := &HTTPExecutor{
		baseURL:   u,
		client:    client,
		userAgent: "stageflow-executor/1.0",
		logger:    logger.With(zap.String("component", "http_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Endpoint 阶段对应的请求地址
func (e *HTTPExecutor) Endpoint(stage workflow.StageID) string {
	return e.baseURL.JoinPath("stages", string(stage)).String()
}

// Invoke implements workflow.AgentExecutor.
func (e *HTTPExecutor) Invoke(ctx context.Context, stage workflow.StageID, sc *workflow.ScopedContext, schema workflow.Schema) (json.RawMessage, error) {
	body, err := newRequest(stage, sc, schema)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint(stage), bytes.NewReader(body))
	if err != nil {
		return nil, failure(stage, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	if sc != nil {
		req.Header.Set("X-Task-ID", sc.TaskID)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if cerr := contextError(ctx, stage); cerr != nil {
			return nil, cerr
		}
		return nil, failure(stage, "request %s", e.Endpoint(stage)).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		if cerr := contextError(ctx, stage); cerr != nil {
			return nil, cerr
		}
		return nil, failure(stage, "read response").WithCause(err)
	}

	e.logger.Debug("executor responded",
		zap.String("stage", string(stage)),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, failure(stage, "executor returned HTTP %d: %s", resp.StatusCode, snippet(data))
	}
	if len(data) > maxResponseBytes {
		return nil, failure(stage, "executor response exceeds %d bytes", maxResponseBytes)
	}
	return NormalizeOutput(data), nil
}

// snippet 截取响应体开头用于错误信息
func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

var _ workflow.AgentExecutor = (*HTTPExecutor)(nil)
