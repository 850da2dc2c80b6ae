// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 负责 SQL 持久化后端的连接管理：按配置选择 gorm 方言
（postgres、mysql、纯 Go 的 sqlite），配置连接池并在后台定时探活。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    GetStats()、Close()。
  - PoolConfig：连接池配置，Validate 汇总所有问题。
  - GormLogger：gorm 日志适配 zap，慢查询以 warn 级别输出。
  - Open / Dialector：从 config.DatabaseConfig 创建连接。
*/
package database
