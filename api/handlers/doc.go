// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 StageFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现任务编排 API 的请求处理逻辑：启动、查询、重试与取消任务，
读取章节、审计记录与完整文档，以及服务健康检查和统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - TaskHandler:      任务生命周期端点，Register 将路由挂载到 http.ServeMux
  - HealthHandler:    服务健康检查（/health, /healthz, /ready, /version）
  - Response:         统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo:        结构化错误信息，含 code、message、stage、retryable
  - ResponseWriter:   包装 http.ResponseWriter 以捕获状态码与字节数
  - HealthCheck:      可插拔健康检查接口，PingCheck 适配任意 ping 函数

# 错误映射

WriteAnyError 将 types.Error 按错误码映射到 HTTP 状态码；
存储层哨兵错误（document.ErrNotFound 等）先转换为对应错误码。
同步执行结果通过 OutcomeResponse 返回，其中 exit_code 与 CLI 一致。
*/
package handlers
