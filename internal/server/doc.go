// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动与优雅关闭。

# 核心类型

  - Manager：封装 net/http.Server 与 net.Listener，提供 Start/Shutdown/
    Wait/Errors/Addr/IsRunning。`stageflow serve` 为 API 与 metrics
    各创建一个 Manager。
  - Config：名称、监听地址、读写与空闲超时、最大请求头、优雅关闭超时，
    以及可选的 TLS 证书与私钥。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中服务；配置证书时以 HTTPS 服务，
    TLS 参数来自 internal/tlsutil（TLS 1.2+，仅 AEAD 套件）。
  - 优雅关闭：Shutdown 在 ShutdownTimeout 内排空请求。
  - 等待退出：Wait 在 ctx 结束（通常由 signal.NotifyContext 取消）或
    服务器异常退出时触发关闭，并返回异常。
  - 地址查询：启动后 Addr 返回实际监听地址，":0" 时可拿到分配的端口。
*/
package server
