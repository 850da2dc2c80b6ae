// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 集中管理 TLS 配置：管理端 HTTPS、Redis 连接与探测客户端
// 共用同一套加固设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
