// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供阶段闸门式的文档编排引擎。

# 概述

一个任务对应一份共享文档。固定的阶段图（Stage 1 → 2-A → 2-B → 2-C / 3 →
Execution）规定了每个阶段的上游依赖与文档锚点。编排器反复扫描阶段图：
闸门判定可运行后，交接解析器从闸门快照中抽取该阶段声明过的上游字段，
调用外部执行器，校验输出并以 CAS 方式写入文档存储。

# 核心类型

  - Graph / GraphBuilder:  不可变的阶段有向无环图，支持 YAML / JSON 定义
  - Registry / Payload:    每个阶段一个带标签的载荷结构，严格解码并校验
  - Gate:                  依赖锚点存在、非占位、通过校验才放行；
    部分字段 pending（带理由与 ETA）时软放行并标记降级
  - HandoffResolver:       只交接声明字段，缺失即 MISSING_HANDOFF_FIELD
  - Orchestrator:          QUEUED → RUNNING → COMMITTED | REJECTED 状态机
  - Engine:                start / status / retry / cancel 操作入口

# 运行保证

  - 下游阶段进入 RUNNING 一定晚于所有依赖的 COMMITTED
  - 只有互不依赖的阶段并发执行，并受 MaxParallel 限制
  - 执行器调用有强制超时，超时记为 ExecutorTimeout，迟到结果被丢弃
  - 每个阶段在一个重试窗口内被拒绝达到上限后文档进入 blocked，
    只有显式 retry 才会开启新窗口
  - 提交前重新读取上游版本，任何变化都以 ConflictError 拒绝
*/
package workflow
