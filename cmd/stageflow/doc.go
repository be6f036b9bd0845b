// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 StageFlow 服务端与命令行程序入口。

# 概述

cmd/stageflow 装配文档存储、阶段执行器、知识库与编排引擎，
既可以作为 HTTP API 服务运行，也可以在命令行里直接启动、查询、
重试、取消和导出任务。程序支持 YAML 配置文件加载、结构化日志（zap）、
Prometheus 指标采集与 OpenTelemetry 追踪。

# 核心类型

  - App:         一次进程生命周期内的组件集合（存储、引擎、缓存、遥测）
  - Server:      API 与 Metrics 双端口服务器及优雅关闭
  - Middleware:  HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、start、status、retry、cancel、export、migrate、health、version
  - start / retry 同步运行到结束；第一次 SIGINT 协作式取消任务，第二次立即退出
  - 退出码：0 全部完成，2 重试耗尽而阻塞，130 已取消，1 其他错误
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、APIKeyAuth、JWTAuth、RateLimiter
  - JWT 的 sub 声明与 API Key 序号作为审计记录的写入者
  - serve 启动时恢复 in-progress 任务；关闭时停止编排但保留文档状态
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
