// Package dlq 定义死信队列：重试耗尽的负载在此等待人工检查或重放。
// 引擎只负责写入，不会自动重放条目。
package dlq
