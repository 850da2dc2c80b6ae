// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供工作流图模型与执行引擎。

# 概述

工作流是由命名节点与有向边组成的图。节点绑定一个 StepFunc，读取状态快照，
返回状态补丁与输出；执行器按就绪集调度节点，在并行扇出、条件路由与循环之间
推进，直到没有可运行节点为止。

# 核心类型

  - Builder / NodeBuilder: Fluent API 构建 Workflow（白/灰/黑 DFS 环检测，
    循环回边除外）
  - Edge: Sequential / Conditional / Parallel / Loop 四种边
  - Executor: 就绪集调度、扇出并发上限、重试、熔断、幂等、死信
  - CheckpointStore: 检查点持久化接口，MemoryCheckpointStore 为内存实现
  - Observer: 节点生命周期回调，调用串行化且 panic 被吞掉

# 执行语义

  - 节点在一次运行中至多完成一次，循环体重入除外
  - 并行分支读取扇出时刻的状态快照，全部结束后按声明顺序合并补丁
  - 任一节点失败即停止调度，WorkflowResult 仍完整返回并携带错误
  - 开启检查点后每完成一个节点保存一次，Resume 从最近检查点继续
*/
package workflow
