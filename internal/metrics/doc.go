// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、阶段运行、
门禁判定、写冲突、知识库、缓存与数据库。

# 核心类型

  - Collector：按业务域分组持有 Counter、Histogram、Gauge 向量。
    NewCollector 注册到默认 Registry，NewCollectorWith 注册到指定
    Registerer（测试使用独立 Registry）。nil *Collector 上的所有
    Record 方法均为空操作，调用方无需判空。

# 指标

  - http_requests_total / http_request_duration_seconds 等：按 method/path/status。
  - stage_runs_total{stage,state,reason}、stage_run_duration_seconds、
    stage_runs_in_flight：阶段运行生命周期。
  - gate_decisions_total{stage,decision}：runnable、degraded、blocked。
  - section_write_conflicts_total{stage}：过期快照写入被拒次数。
  - documents_finished_total{status}：编排结束时的文档状态。
  - knowledge_lookups_total{library,result}、cache_hits_total、cache_misses_total。
  - db_connections_open/idle、db_query_duration_seconds：实现
    internal/database 的 StatsRecorder 与 QueryObserver。
*/
package metrics
