// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 flowengine 的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包，为 workflow、resilience、
persistence 等上层模块提供统一的错误契约。

  - Error / ErrorCode: 结构化错误体系，含 Retryable 与 Node 标记
  - AsError / IsErrorCode / IsRetryable: 错误链检查工具
*/
package types
