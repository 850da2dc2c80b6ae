// Package config 提供 flowengine 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 FLOWENGINE）的顺序叠加，
// Watcher 轮询配置文件并在变更后重新加载。
package config
