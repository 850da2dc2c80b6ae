// Package retry 提供带退避策略的重试引擎。
//
// 支持指数、线性和固定退避，可选 [0, delay) 抖动；等待期间通过 context
// 取消会返回 RetryAbortedError，重试耗尽后原样返回最后一次错误。
package retry
