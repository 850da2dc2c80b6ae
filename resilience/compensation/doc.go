// Package compensation 实现 Saga 风格的尽力补偿。
//
// 只有成功完成并声明了补偿函数的步骤会被记录；补偿按完成顺序的逆序执行，
// 单个补偿失败被收集到 Report 中，不会中断其余补偿。
package compensation
