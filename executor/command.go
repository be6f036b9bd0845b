package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/workflow"
)

// CommandExecutor 以子进程方式运行阶段智能体。
// 请求 JSON 写入 stdin，stdout 即载荷，stderr 只用于错误信息
type CommandExecutor struct {
	command   []string
	perStage  map[string][]string
	env       []string
	waitDelay time.Duration
	logger    *zap.Logger
}

// NewCommandExecutor 创建命令执行器。command 为默认命令（阶段 ID 追加为最后一个参数），
// perStage 中的命令按原样执行
func NewCommandExecutor(command []string, perStage map[string][]string, logger *zap.Logger) (*CommandExecutor, error) {
	if len(command) == 0 && len(perStage) == 0 {
		return nil, errors.New("command executor requires a command")
	}
	for stage, argv := range perStage {
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty command for stage %s", stage)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{
		command:   append([]string(nil), command...),
		perStage:  perStage,
		waitDelay: 2 * time.Second,
		logger:    logger.With(zap.String("component", "command_executor")),
	}, nil
}

// WithEnv 追加子进程环境变量（KEY=VALUE）
func (e *CommandExecutor) WithEnv(env ...string) *CommandExecutor {
	e.env = append(e.env, env...)
	return e
}

// argv 阶段对应的命令行
func (e *CommandExecutor) argv(stage workflow.StageID) ([]string, error) {
	if argv, ok := e.perStage[string(stage)]; ok {
		return argv, nil
	}
	if len(e.command) == 0 {
		return nil, fmt.Errorf("no command configured for stage %s", stage)
	}
	return append(append([]string(nil), e.command...), string(stage)), nil
}

// Invoke implements workflow.AgentExecutor.
func (e *CommandExecutor) Invoke(ctx context.Context, stage workflow.StageID, sc *workflow.ScopedContext, schema workflow.Schema) (json.RawMessage, error) {
	argv, err := e.argv(stage)
	if err != nil {
		return nil, failure(stage, "resolve command").WithCause(err)
	}
	body, err := newRequest(stage, sc, schema)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.waitDelay
	cmd.Env = append(os.Environ(), "STAGEFLOW_STAGE="+string(stage))
	if sc != nil {
		cmd.Env = append(cmd.Env, "STAGEFLOW_TASK_ID="+sc.TaskID)
	}
	cmd.Env = append(cmd.Env, e.env...)

	start := time.Now()
	runErr := cmd.Run()
	e.logger.Debug("command finished",
		zap.String("stage", string(stage)),
		zap.String("command", argv[0]),
		zap.Int("stdout_bytes", stdout.Len()),
		zap.Duration("duration", time.Since(start)),
		zap.Error(runErr))

	if cerr := contextError(ctx, stage); cerr != nil {
		return nil, cerr
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return nil, failure(stage, "command %s failed: %s", argv[0], msg).WithCause(runErr)
	}
	return NormalizeOutput(stdout.Bytes()), nil
}

var _ workflow.AgentExecutor = (*CommandExecutor)(nil)
