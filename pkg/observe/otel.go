package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OTelObserver implements Observer using OpenTelemetry for traces and metrics.
// Events are recorded as metrics; when the context carries a recording span,
// they are also attached to it as span events.
//
// Example:
//
//	tracer := otel.Tracer("livestate")
//	meter := otel.Meter("livestate")
//	observer, _ := observe.NewOTelObserver(tracer, meter)
type OTelObserver struct {
	tracer trace.Tracer

	opDuration     metric.Float64Histogram
	opErrors       metric.Int64Counter
	transactions   metric.Int64Counter
	swept          metric.Int64Counter
	resolves       metric.Int64Counter
	resolveLatency metric.Float64Histogram
	connections    metric.Int64UpDownCounter
	deliveries     metric.Int64Counter
	evictions      metric.Int64Counter
}

// NewOTelObserver creates an OpenTelemetry observer.
func NewOTelObserver(tracer trace.Tracer, meter metric.Meter) (*OTelObserver, error) {
	opDuration, err := meter.Float64Histogram(
		"livestate.operation.duration",
		metric.WithDescription("Duration of persistence backend operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	opErrors, err := meter.Int64Counter(
		"livestate.operation.errors",
		metric.WithDescription("Number of failed persistence backend operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation errors counter: %w", err)
	}

	transactions, err := meter.Int64Counter(
		"livestate.transactions",
		metric.WithDescription("Number of transaction lifecycle actions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions counter: %w", err)
	}

	swept, err := meter.Int64Counter(
		"livestate.sweep.purged",
		metric.WithDescription("Number of expired entries removed by sweeps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep counter: %w", err)
	}

	resolves, err := meter.Int64Counter(
		"livestate.resolves",
		metric.WithDescription("Number of state resolutions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolves counter: %w", err)
	}

	resolveLatency, err := meter.Float64Histogram(
		"livestate.resolve.latency",
		metric.WithDescription("Latency of state resolution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolve latency histogram: %w", err)
	}

	connections, err := meter.Int64UpDownCounter(
		"livestate.connections",
		metric.WithDescription("Number of registered push connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	deliveries, err := meter.Int64Counter(
		"livestate.broadcast.deliveries",
		metric.WithDescription("Number of events enqueued on connection queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	evictions, err := meter.Int64Counter(
		"livestate.broadcast.evictions",
		metric.WithDescription("Number of connections evicted because their queue was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	return &OTelObserver{
		tracer:         tracer,
		opDuration:     opDuration,
		opErrors:       opErrors,
		transactions:   transactions,
		swept:          swept,
		resolves:       resolves,
		resolveLatency: resolveLatency,
		connections:    connections,
		deliveries:     deliveries,
		evictions:      evictions,
	}, nil
}

func (o *OTelObserver) OnOperation(ctx context.Context, event *OperationEvent) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", event.Backend),
		attribute.String("op", event.Op),
		attribute.String("type", event.Type),
		attribute.Bool("success", event.Error == nil),
	}
	o.opDuration.Record(ctx, event.Duration.Seconds(), metric.WithAttributes(attrs...))

	if event.Error != nil {
		o.opErrors.Add(ctx, 1, metric.WithAttributes(attrs[:3]...))

		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			span.RecordError(event.Error)
			span.SetStatus(codes.Error, event.Error.Error())
		}
	}
}

func (o *OTelObserver) OnTransaction(ctx context.Context, event *TransactionEvent) {
	o.transactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", event.Backend),
		attribute.String("action", event.Action),
		attribute.Bool("success", event.Error == nil),
	))

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("transaction."+event.Action, trace.WithAttributes(
			attribute.String("tx_id", event.TxID),
			attribute.Int("operations", event.Operations),
		))
	}
}

func (o *OTelObserver) OnSweep(ctx context.Context, event *SweepEvent) {
	if event.Error != nil || event.Purged == 0 {
		return
	}
	o.swept.Add(ctx, int64(event.Purged), metric.WithAttributes(
		attribute.String("component", event.Component),
		attribute.String("type", event.Type),
	))
}

func (o *OTelObserver) OnResolve(ctx context.Context, event *ResolveEvent) {
	attrs := []attribute.KeyValue{
		attribute.String("type", event.Type),
		attribute.String("source", event.Source),
	}
	o.resolves.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Bool("success", event.Error == nil))...))
	if event.Error == nil {
		o.resolveLatency.Record(ctx, event.Latency.Seconds(), metric.WithAttributes(attrs...))
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("state.resolve", trace.WithAttributes(
			attribute.String("key", event.Key),
			attribute.String("source", event.Source),
		))
	}
}

func (o *OTelObserver) OnConnection(ctx context.Context, event *ConnectionEvent) {
	delta := int64(1)
	if event.Action == "close" {
		delta = -1
	}
	o.connections.Add(ctx, delta)
}

func (o *OTelObserver) OnBroadcast(ctx context.Context, event *BroadcastEvent) {
	attrs := metric.WithAttributes(
		attribute.String("type", event.Type),
		attribute.String("scope", event.Scope),
	)
	o.deliveries.Add(ctx, int64(event.Delivered), attrs)
	if event.Evicted > 0 {
		o.evictions.Add(ctx, int64(event.Evicted), attrs)
	}

	// Spans are optional; callers that want one start it around Broadcast.
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("broadcast", trace.WithAttributes(
			attribute.String("type", event.Type),
			attribute.Int("targets", event.Targets),
			attribute.Int("delivered", event.Delivered),
		))
	}
}

// StartSpan starts a span with the observer's tracer. Adapters use it to wrap a
// request so that OnResolve/OnBroadcast events land on the same span.
func (o *OTelObserver) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name)
}
