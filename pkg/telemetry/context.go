package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// New creates a telemetry bundle from configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Discard returns a bundle that records nothing. Used by tests and by
// components constructed without telemetry.
func Discard() *Telemetry {
	m, _ := NewMetrics(MetricsConfig{})
	t, _ := NewTracer(TracingConfig{}, "froyo-agent", "dev")
	return &Telemetry{Logger: Nop(), Tracer: t, Metrics: m, Config: DefaultConfig()}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation using the telemetry in ctx.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(ctx),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the operation, recording success or failure on the span.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		RecordError(ic.Span, err)
	} else if err == nil {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}
