// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 StageFlow 的配置加载。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，环境变量键为
// STAGEFLOW_<SECTION>_<FIELD>（例如 STAGEFLOW_ORCHESTRATOR_RETRY_CEILING），
// 切片字段使用逗号分隔。Config.Validate 一次性汇总所有非法取值。
package config
