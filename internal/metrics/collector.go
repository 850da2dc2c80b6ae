// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/database"
	"github.com/BaSui01/flowengine/resilience/circuitbreaker"
	"github.com/BaSui01/flowengine/resilience/compensation"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/retry"
	"github.com/BaSui01/flowengine/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 工作流指标
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	nodeRetries    *prometheus.CounterVec
	nodeProgress   *prometheus.GaugeVec

	// 弹性组件指标
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	compensations      *prometheus.CounterVec

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbWaitCount       *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器；reg 为空时注册到默认 registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 工作流指标
	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"workflow", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"workflow"},
	)

	c.nodeExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"workflow", "node", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow", "node"},
	)

	c.nodeRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retry attempts",
		},
		[]string{"workflow", "node"},
	)

	c.nodeProgress = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_progress_ratio",
			Help:      "Last progress fraction reported by a node",
		},
		[]string{"workflow", "node"},
	)

	// 弹性组件指标
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	c.deadLetters = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of entries written to the dead letter queue",
		},
		[]string{"workflow", "node"},
	)

	c.compensations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Total number of compensation actions by outcome",
		},
		[]string{"workflow", "status"},
	)

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbWaitCount = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_wait_count",
			Help:      "Total number of connections waited for",
		},
		[]string{"database"},
	)

	return c
}

// =============================================================================
// 🔀 工作流指标记录
// =============================================================================

// Observer 返回记录节点事件的观察者
func (c *Collector) Observer(workflowName string) workflow.Observer {
	return &nodeObserver{c: c, workflow: workflowName}
}

// RecordRun 记录一次运行的结果
func (c *Collector) RecordRun(res *workflow.WorkflowResult) {
	if res == nil {
		return
	}
	c.runsTotal.WithLabelValues(res.WorkflowName, status(res.Error)).Inc()
	c.runDuration.WithLabelValues(res.WorkflowName).Observe(res.TotalDuration.Seconds())
}

type nodeObserver struct {
	c        *Collector
	workflow string
}

func (o *nodeObserver) OnNodeStart(node string) {
	o.c.nodeProgress.WithLabelValues(o.workflow, node).Set(0)
}

func (o *nodeObserver) OnNodeComplete(node string, _ any, d time.Duration) {
	o.c.nodeExecutions.WithLabelValues(o.workflow, node, "success").Inc()
	o.c.nodeDuration.WithLabelValues(o.workflow, node).Observe(d.Seconds())
	o.c.nodeProgress.WithLabelValues(o.workflow, node).Set(1)
}

func (o *nodeObserver) OnNodeError(node string, _ error) {
	o.c.nodeExecutions.WithLabelValues(o.workflow, node, "error").Inc()
}

func (o *nodeObserver) OnNodeProgress(node string, fraction float64) {
	o.c.nodeProgress.WithLabelValues(o.workflow, node).Set(fraction)
}

func (o *nodeObserver) OnNodeRetry(node string, _ retry.AttemptInfo) {
	o.c.nodeRetries.WithLabelValues(o.workflow, node).Inc()
}

// =============================================================================
// 🛡️ 弹性组件指标记录
// =============================================================================

// BreakerStateHook 返回熔断器状态变更回调，配合 circuitbreaker.Config.OnStateChange 使用
func (c *Collector) BreakerStateHook() func(name string, from, to circuitbreaker.State) {
	return func(name string, from, to circuitbreaker.State) {
		c.breakerState.WithLabelValues(name).Set(float64(to))
		c.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		c.logger.Debug("circuit breaker transition",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}

// RecordCompensation 记录补偿报告
func (c *Collector) RecordCompensation(workflowName string, report *compensation.Report) {
	if report == nil {
		return
	}
	c.compensations.WithLabelValues(workflowName, "success").Add(float64(len(report.Succeeded)))
	c.compensations.WithLabelValues(workflowName, "error").Add(float64(len(report.Failed)))
}

// InstrumentQueue 包装死信队列，成功写入时计数
func (c *Collector) InstrumentQueue(q dlq.Queue) dlq.Queue {
	return &countingQueue{Queue: q, c: c}
}

type countingQueue struct {
	dlq.Queue
	c *Collector
}

func (q *countingQueue) Enqueue(ctx context.Context, e *dlq.Entry) error {
	if err := q.Queue.Enqueue(ctx, e); err != nil {
		return err
	}
	q.c.deadLetters.WithLabelValues(e.Source.Workflow, e.Source.Node).Inc()
	return nil
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Middleware 记录经过的请求；path 使用路由模式避免高基数
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBPool 记录连接池统计
func (c *Collector) RecordDBPool(db string, stats database.PoolStats) {
	c.dbConnectionsOpen.WithLabelValues(db).Set(float64(stats.OpenConnections))
	c.dbConnectionsIdle.WithLabelValues(db).Set(float64(stats.Idle))
	c.dbWaitCount.WithLabelValues(db).Set(float64(stats.WaitCount))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// statusCode 将 HTTP 状态码归类
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return strconv.Itoa(code)
	}
}
