// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理，供知识库查询结果缓存使用。

# 核心类型

  - Manager：Get/Set/Delete/DeletePrefix 与 GetJSON/SetJSON；LoadJSON
    提供旁路缓存加载，同一 key 的并发未命中通过 singleflight 合并为
    一次加载。所有键自动加 KeyPrefix。
  - Config：地址、键前缀、指标名、默认 TTL、连接池与健康检查间隔。
  - HitRecorder：命中 / 未命中回调，由 internal/metrics.Collector 实现。

NewManager 自建连接；NewManagerWithClient 复用 redis 文档存储的客户端，
Close 时不关闭该客户端。未命中返回 ErrCacheMiss，关闭后返回 ErrClosed。
*/
package cache
