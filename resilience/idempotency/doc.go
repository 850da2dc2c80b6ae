// Package idempotency 提供幂等键存储：调用方为逻辑操作计算确定性键，
// TTL 窗口内的重复调用返回缓存结果而不是再次执行。
package idempotency
