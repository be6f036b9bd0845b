// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接打开与连接池管理，是
document.SQLStore 的底座。

# 核心类型

  - Driver / Dialector / Open / Connect：按驱动名（postgres、mysql、
    sqlite、sqlite3）构建 GORM 连接，SQL 日志经 GormLogger 输出到 zap。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、
    WithTransaction、WithTransactionRetry 与后台健康检查。
  - PoolConfig：连接数、生命周期与健康检查间隔，Validate 校验取值。
  - StatsRecorder / QueryObserver：连接池与单条 SQL 的指标回调，
    由 internal/metrics.Collector 实现。

# 事务重试

WithTransactionRetry 对死锁、序列化失败与 SQLite busy 等可重试错误
做指数退避重试；文档 CAS 写入依赖此能力。
*/
package database
