// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 knowledge 提供能力库 / 策略库的只读查询。

# 核心类型

  - Library：Lookup(ctx, query) 返回按相关度排序的 Entry。
  - CatalogLibrary：从 YAML 目录文件加载，标签精确命中与正文包含打分，
    按 TopK 截取后再按 MaxChars 字符预算裁剪，被裁剪时在最后一条摘要后
    追加截断说明。
  - CachedLibrary：基于 internal/cache 的旁路缓存装饰器，只缓存成功结果。
  - Watcher / WatchCatalogs：轮询目录文件的修改时间，防抖后重新加载。

查询失败或没有结果时一律返回 ErrInsufficient。编排器把它记录为阶段的
degraded 原因后继续执行，不会补造条目。
*/
package knowledge
