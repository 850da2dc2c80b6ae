// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 负责 OpenTelemetry SDK 的安装与关闭。
// 未启用时全局 provider 保持 noop，工作流埋点不产生任何导出。
package telemetry
