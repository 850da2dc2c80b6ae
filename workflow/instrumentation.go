package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/BaSui01/flowengine/workflow"

// instruments 工作流 OTel 埋点
type instruments struct {
	tracer trace.Tracer
	// 计数器
	runTotal  metric.Int64Counter
	nodeTotal metric.Int64Counter
	// 直方图
	runDuration  metric.Float64Histogram
	nodeDuration metric.Float64Histogram
	// 活跃节点
	activeNodes metric.Int64UpDownCounter
}

func newInstruments(tracer trace.Tracer, meter metric.Meter) (*instruments, error) {
	in := &instruments{tracer: tracer}

	var err error
	in.runTotal, err = meter.Int64Counter("workflow.run.total",
		metric.WithDescription("Total number of workflow runs"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	in.nodeTotal, err = meter.Int64Counter("workflow.node.total",
		metric.WithDescription("Total number of node invocations"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, err
	}

	in.runDuration, err = meter.Float64Histogram("workflow.run.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	in.nodeDuration, err = meter.Float64Histogram("workflow.node.duration",
		metric.WithDescription("Node invocation duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	in.activeNodes, err = meter.Int64UpDownCounter("workflow.node.active",
		metric.WithDescription("Number of nodes currently executing"),
		metric.WithUnit("{node}"))
	if err != nil {
		return nil, err
	}

	return in, nil
}

// globalInstruments 使用全局 provider，注册失败时退回 noop
func globalInstruments() (*instruments, error) {
	in, err := newInstruments(otel.Tracer(instrumentationName), otel.Meter(instrumentationName))
	if err == nil {
		return in, nil
	}
	noopIn, _ := newInstruments(
		tracenoop.NewTracerProvider().Tracer(instrumentationName),
		metricnoop.NewMeterProvider().Meter(instrumentationName))
	return noopIn, err
}

func (in *instruments) startRun(ctx context.Context, workflowName, workflowID string, resumed bool) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.name", workflowName),
			attribute.String("workflow.id", workflowID),
			attribute.Bool("workflow.resumed", resumed),
		))
}

func (in *instruments) endRun(ctx context.Context, span trace.Span, workflowName string, d time.Duration, err error) {
	defer span.End()

	status := statusOf(err)
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.String("status", status))
	in.runTotal.Add(ctx, 1, attrs)
	in.runDuration.Record(ctx, d.Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (in *instruments) startNode(ctx context.Context, workflowName, node string, step int) (context.Context, trace.Span) {
	ctx, span := in.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.name", workflowName),
			attribute.String("node.name", node),
			attribute.Int("node.step", step),
		))
	in.activeNodes.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflowName)))
	return ctx, span
}

func (in *instruments) endNode(ctx context.Context, span trace.Span, workflowName, node string, attempts int, d time.Duration, err error) {
	defer span.End()

	in.activeNodes.Add(ctx, -1, metric.WithAttributes(attribute.String("workflow", workflowName)))

	attrs := metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.String("node", node),
		attribute.String("status", statusOf(err)))
	in.nodeTotal.Add(ctx, 1, attrs)
	in.nodeDuration.Record(ctx, d.Seconds(), attrs)

	span.SetAttributes(attribute.Int("node.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
