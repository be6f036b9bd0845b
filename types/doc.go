// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 stageflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 document、workflow、
knowledge、api 等上层模块提供统一的错误码与上下文键。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable 与 Stage 标记
  - 流水线错误码：VALIDATION_ERROR、MISSING_HANDOFF_FIELD、CONFLICT、
    EXECUTOR_TIMEOUT、EXECUTOR_FAILURE、BLOCKED_DOCUMENT、CANCELLED

# 主要能力

  - Context 传播：WithTraceID / WithTaskID / WithStageID / WithRunID / WithWriter
  - 错误判定：AsError / IsCode / IsRetryable / GetErrorCode（支持 errors.As 链式解包）
*/
package types
