// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的工作流指标采集。

# 核心类型

  - Collector：通过 promauto.With 注册到指定 Registerer 的向量指标集合。

# 主要能力

  - 工作流：运行次数与耗时，节点执行、重试与进度（Observer 接入执行器）。
  - 弹性组件：熔断器状态与转换（BreakerStateHook）、死信写入
    （InstrumentQueue）、补偿结果（RecordCompensation）。
  - 管理端 HTTP：按路由模式统计请求（Middleware）。
  - 数据库：连接池 Gauge（RecordDBPool）。
*/
package metrics
