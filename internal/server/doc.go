// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 flowctl 管理端 HTTP 服务器的生命周期。

Manager 封装 net/http.Server：非阻塞 Start、阻塞到 context 结束的 Run、
带超时的优雅关闭，并在配置了证书时通过 tlsutil 提供 HTTPS。
信号处理由调用方通过 signal.NotifyContext 完成。
*/
package server
