// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理协作文档存储的数据库 Schema，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌，表结构与 document.SQLStore
的 GORM 模型一一对应：documents、sections、audit_records、stage_runs。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - Config：数据库类型、连接 URL、迁移表名、锁超时与 zap 日志。
  - CLI：`stageflow migrate <command>` 的文本输出层，Run 按子命令分发。

# SQLite

SQLite 使用纯 Go 的 glebarez/go-sqlite 驱动（驱动名 "sqlite"），与
internal/database 的 GORM 方言共用同一实现，无需 CGO。
*/
package migration
