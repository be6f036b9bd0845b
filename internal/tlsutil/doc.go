// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 提供集中式 TLS 配置：API 服务器的 HTTPS 监听与
// HTTP 执行器的出站客户端共用同一套加固设置（TLS 1.2+，仅 AEAD 密码套件），
// 执行器客户端可额外指定私有 CA 文件。
package tlsutil
