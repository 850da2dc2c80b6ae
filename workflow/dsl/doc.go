// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package dsl 提供 YAML/JSON 声明式工作流定义，
// 以 expr 表达式描述路由、循环条件与状态赋值，
// 并编译为可执行的 workflow.Workflow。
package dsl
