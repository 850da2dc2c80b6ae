// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 flowctl 命令行入口。

# 概述

flowctl 加载 YAML 工作流定义并在配置选定的存储后端上运行，
同时提供检查点与死信查看、数据库迁移和管理端服务。

# 核心类型

  - app: 一次命令执行所需的组件：存储、指标、熔断器注册表、执行器
  - adminAPI: 管理端 HTTP 处理器（健康检查、检查点、死信、熔断器）
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：run、resume、validate、checkpoints、dlq、migrate、serve、health、version
  - run 失败时按完成顺序的逆序执行补偿，补偿仍失败的写入死信队列
  - 中间件链：Recovery、RequestID、RequestLogger、SecurityHeaders、OTelTracing、HTTP 指标
  - 配置文件变更时热更新日志级别
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
