// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 stageflow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 断言工具: AssertErrorCode，沿错误链比对 types.ErrorCode
  - 异步等待: WaitFor，轮询直到条件满足或超时

# 子包

  - testutil/mocks: ScriptedExecutor，按阶段脚本化的执行器，
    支持固定输出、错误注入、挂起与延迟，并记录每次调用
  - testutil/mocks: StaticLibrary，固定条目或固定错误的知识库
  - testutil/fixtures: 各阶段的合法载荷样例与 pending 变体

# 使用示例

	exec := mocks.NewScriptedExecutor().
		WithOutputs(fixtures.ValidPayloads()).
		FailTimes("stage2a", 1, errors.New("boom"))
	orch := workflow.NewOrchestrator(graph, registry, store, exec, opts, nil)
*/
package testutil
