// Package circuitbreaker 提供按标识符区分的熔断器状态机。
//
// 状态：Closed -> Open（连续失败达到阈值）-> HalfOpen（恢复超时后允许一次试探）
// -> Closed（试探成功）或 Open（试探失败）。Registry 用于向执行器注入一组熔断器。
package circuitbreaker
