// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理 SQL 持久化后端（检查点、死信、幂等键三张表）的
Schema 版本，支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中，表结构与
persistence 包中的 gorm 模型保持一致。SQLite 连接使用
glebarez/go-sqlite 纯 Go 驱动（与 internal/database 的 gorm 方言相同），
迁移执行复用 golang-migrate 的 sqlite3 驱动 WithInstance。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info，长时间迁移可通过 ctx 取消（当前迁移完成后停止）。
  - CLI：面向终端的格式化输出，供 flowctl migrate 子命令使用。
  - NewMigratorFromConfig：从应用配置的 database 段创建迁移器。
*/
package migration
