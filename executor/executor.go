package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/config"
	"github.com/BaSui01/stageflow/internal/tlsutil"
	"github.com/BaSui01/stageflow/types"
	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// 📨 执行器请求
// =============================================================================

// Request 发送给外部执行器的请求体
type Request struct {
	Stage   workflow.StageID        `json:"stage"`
	Context *workflow.ScopedContext `json:"context"`
	Schema  workflow.Schema         `json:"schema"`
}

func newRequest(stage workflow.StageID, sc *workflow.ScopedContext, schema workflow.Schema) ([]byte, error) {
	body, err := json.Marshal(Request{Stage: stage, Context: sc, Schema: schema})
	if err != nil {
		return nil, fmt.Errorf("marshal executor request: %w", err)
	}
	return body, nil
}

// failure 构造 EXECUTOR_FAILURE，保留原因链
func failure(stage workflow.StageID, format string, args ...any) *types.Error {
	return types.Errorf(types.ErrExecutorFailure, format, args...).
		WithStage(string(stage)).
		WithHTTPStatus(502).
		WithRetryable(true)
}

// contextError ctx 已结束时返回包装后的 ctx 错误，编排器据此识别超时与取消
func contextError(ctx context.Context, stage workflow.StageID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("executor for %s: %w", stage, err)
	}
	return nil
}

// =============================================================================
// 🧹 输出归一化
// =============================================================================

// NormalizeOutput 拆掉常见的文本包装，返回可直接交给 Schema 解码的 JSON。
// 无法识别的输出原样返回，由 Schema 校验给出 VALIDATION_ERROR
func NormalizeOutput(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return json.RawMessage(trimmed)
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err == nil && len(wrapper) == 1 {
		for _, key := range []string{"text", "content"} {
			inner, ok := wrapper[key]
			if !ok {
				continue
			}
			if text, ok := textOf(inner); ok {
				return NormalizeOutput([]byte(stripFence(text)))
			}
			return NormalizeOutput(inner)
		}
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return NormalizeOutput([]byte(stripFence(text)))
	}
	if trimmed[0] == '`' {
		return json.RawMessage(strings.TrimSpace(stripFence(string(trimmed))))
	}
	return json.RawMessage(trimmed)
}

// textOf 识别字符串或 [{type:"text", text:...}] 内容块
func textOf(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil || len(blocks) == 0 {
		return "", false
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), true
}

// stripFence 去掉 ```json ... ``` 围栏
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// =============================================================================
// 🏭 按配置构建
// =============================================================================

// New 按配置构建执行器；BreakerThreshold > 0 时套上按阶段的熔断器
func New(cfg config.ExecutorConfig, logger *zap.Logger, recorder Recorder) (workflow.AgentExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var exec workflow.AgentExecutor
	switch cfg.Type {
	case "http", "":
		opts := []HTTPOption{WithToken(cfg.Token)}
		if cfg.CAFile != "" {
			client, err := tlsutil.ExecutorClient(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("executor tls: %w", err)
			}
			opts = append(opts, WithHTTPClient(client))
		}
		h, err := NewHTTPExecutor(cfg.BaseURL, logger, opts...)
		if err != nil {
			return nil, err
		}
		exec = h
	case "command":
		c, err := NewCommandExecutor(cfg.Command, cfg.StageCommands, logger)
		if err != nil {
			return nil, err
		}
		exec = c.WithEnv(cfg.Env...)
	default:
		return nil, fmt.Errorf("unsupported executor type %q", cfg.Type)
	}

	if cfg.BreakerThreshold <= 0 {
		return exec, nil
	}
	breakerCfg := DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerThreshold
	if cfg.BreakerRecovery > 0 {
		breakerCfg.RecoveryTimeout = cfg.BreakerRecovery
	}
	return NewBreaker(exec, breakerCfg, logger, recorder), nil
}
