// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 flowengine 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
可控时钟、上下文和异步等待等测试基础设施。根包不依赖 workflow，
因此 resilience 下的包也可以直接使用。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 可控时钟: FakeClock，供熔断器、幂等存储等按时间判断的组件注入
  - 异步断言: AssertEventuallyTrue / WaitForChannel
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: 步骤与补偿记录器、可注入错误的检查点存储和死信队列
  - testutil/fixtures: 预置工作流定义、检查点与死信条目样例

# 使用示例

	clock := testutil.NewFakeClock(fixtures.BaseTime)
	store.now = clock.Now
	clock.Advance(time.Minute)
*/
package testutil
