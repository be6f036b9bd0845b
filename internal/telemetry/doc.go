// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 StageFlow 提供 OTLP gRPC 的 TracerProvider 和 MeterProvider。
// 编排器为每次阶段运行创建 span，HTTP 中间件为每个请求创建 span。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
