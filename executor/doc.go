// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 executor 提供 workflow.AgentExecutor 的两种外部实现与熔断装饰器。

# 执行器

  - HTTPExecutor：把 {stage, context, schema} 以 JSON POST 到
    <base_url>/stages/<stage>，2xx 响应体即阶段载荷；非 2xx 一律归为
    EXECUTOR_FAILURE。请求随 ctx 的截止时间取消。
  - CommandExecutor：为每个阶段启动配置的命令，请求 JSON 写入 stdin，
    从 stdout 读取载荷。ctx 取消或超时时杀掉子进程。
  - Breaker：按阶段维护熔断器，连续失败达到阈值后快速失败，
    恢复期过后进入半开状态放行有限的探测请求。

# 输出归一化

NormalizeOutput 会拆掉 {"text": ...} / {"content": ...} 包装以及
```json 代码块围栏，其余输出原样交给 Schema 解码。
*/
package executor
