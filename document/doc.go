// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package document 提供协作文档的持久化存储、版本冲突检测与审计追踪。

# 概述

一个 Document 对应一次任务实例，由有序锚点（Anchor）组成，每个锚点
对应一个 Section。Section 要么是占位（TBD，版本 0），要么是通过 schema
校验的结构化载荷。所有写入都是比较并交换（CAS）：写入方携带读取快照时
看到的版本号，版本不一致即返回 CONFLICT 错误，文档保持不变。

# 核心接口

  - Store: 文档存储接口，提供 Create / Get / List / SetStatus /
    Read / ReadAll / Write / Audit 以及阶段运行记录的 SaveRun / ListRuns。
  - PayloadValidator: 写入前的 schema 校验钩子，校验失败返回 VALIDATION_ERROR。

# 写入语义

  - 版本不匹配: 返回 CONFLICT（包装 ErrVersionConflict），不产生任何修改
  - 载荷哈希与已存储内容一致: 幂等空操作，WriteResult.Unchanged 为 true，不追加审计
  - 其他情况: 原子替换内容，版本加一，并在同一原子单元内追加 AuditRecord

# 后端实现

  - Memory: 内存实现，适合开发与测试。
  - File: 每个任务一个目录，每个锚点一个 JSON 文件（内容与审计同文件，
    一次 rename 同时提交），进程内互斥锁加 O_EXCL 锁文件防止跨进程并发写。
  - Redis: 每个锚点独立键，WATCH/MULTI 事务实现 CAS，Sorted Set 索引文档。
  - SQL: 基于 GORM，UPDATE ... WHERE version = ? 与审计插入在同一事务内完成。

# 导出

Export 将文档渲染为 Markdown，包含 "## 索引" 区块，每个锚点内容位于
<!-- ANCHOR_START --> 与 <!-- ANCHOR_END --> 标记之间。
*/
package document
