package observer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/valetd/valet"
)

// ObservedToolSet wraps a valet.ToolSet with OTEL instrumentation.
// Lifecycle and Remote pass through when the inner set implements them.
type ObservedToolSet struct {
	inner valet.ToolSet
	inst  *Instruments
}

var _ valet.ToolSet = (*ObservedToolSet)(nil)

// WrapToolSet returns an instrumented tool set.
func WrapToolSet(inner valet.ToolSet, inst *Instruments) *ObservedToolSet {
	return &ObservedToolSet{inner: inner, inst: inst}
}

func (o *ObservedToolSet) ID() string                    { return o.inner.ID() }
func (o *ObservedToolSet) Name() string                  { return o.inner.Name() }
func (o *ObservedToolSet) Variant() valet.ToolSetVariant { return o.inner.Variant() }

func (o *ObservedToolSet) ListTools(ctx context.Context) ([]valet.ToolDescriptor, error) {
	return o.inner.ListTools(ctx)
}

func (o *ObservedToolSet) CheckHealth(ctx context.Context) valet.Health {
	return o.inner.CheckHealth(ctx)
}

// Start forwards to the inner set when it manages a lifecycle.
func (o *ObservedToolSet) Start(ctx context.Context) error {
	if lc, ok := o.inner.(valet.Lifecycle); ok {
		return lc.Start(ctx)
	}
	return nil
}

// Stop forwards to the inner set when it manages a lifecycle.
func (o *ObservedToolSet) Stop(ctx context.Context) error {
	if lc, ok := o.inner.(valet.Lifecycle); ok {
		return lc.Stop(ctx)
	}
	return nil
}

// Connect forwards to the inner set when it manages a connection.
func (o *ObservedToolSet) Connect(ctx context.Context) error {
	if r, ok := o.inner.(valet.Remote); ok {
		return r.Connect(ctx)
	}
	return nil
}

// Disconnect forwards to the inner set when it manages a connection.
func (o *ObservedToolSet) Disconnect(ctx context.Context) error {
	if r, ok := o.inner.(valet.Remote); ok {
		return r.Disconnect(ctx)
	}
	return nil
}

func (o *ObservedToolSet) CallTool(ctx context.Context, name string, args json.RawMessage, tctx valet.ToolContext) (valet.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
		AttrToolSet.String(o.inner.ID()),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.CallTool(ctx, name, args, tctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.set", o.inner.ID()),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result.Content)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
