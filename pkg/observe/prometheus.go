package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver implements Observer using Prometheus metrics.
//
// Example:
//
//	observer := observe.NewPrometheusObserver("my_service", prometheus.DefaultRegisterer)
//	backend := store.NewMemoryBackend(store.WithObserver(observer))
type PrometheusObserver struct {
	opDuration     *prometheus.HistogramVec
	opErrors       *prometheus.CounterVec
	transactions   *prometheus.CounterVec
	swept          *prometheus.CounterVec
	sweepErrors    *prometheus.CounterVec
	resolves       *prometheus.CounterVec
	resolveLatency *prometheus.HistogramVec
	connections    prometheus.Gauge
	closedConns    *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	evictedOnQueue prometheus.Counter
}

// NewPrometheusObserver creates a Prometheus observer with the given namespace.
// All metrics will be prefixed with "{namespace}_livestate_".
func NewPrometheusObserver(namespace string, registerer prometheus.Registerer) *PrometheusObserver {
	if namespace == "" {
		namespace = "livestate"
	}
	const subsystem = "livestate"

	opDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of persistence backend operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"backend", "op", "type", "status"},
	)

	opErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_errors_total",
			Help:      "Total number of failed persistence backend operations",
		},
		[]string{"backend", "op", "type"},
	)

	transactions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transactions_total",
			Help:      "Total number of transaction lifecycle actions",
		},
		[]string{"backend", "action", "status"},
	)

	swept := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "swept_total",
			Help:      "Total number of expired entries removed by sweeps",
		},
		[]string{"component", "type"},
	)

	sweepErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sweep_errors_total",
			Help:      "Total number of failed sweep passes",
		},
		[]string{"component", "type"},
	)

	resolves := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resolves_total",
			Help:      "Total number of state resolutions by source",
		},
		[]string{"type", "source", "status"},
	)

	resolveLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resolve_latency_seconds",
			Help:      "Latency of state resolution in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"type", "source"},
	)

	connections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of registered push connections",
		},
	)

	closedConns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Total number of closed push connections by reason",
		},
		[]string{"reason"},
	)

	broadcasts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts routed",
		},
		[]string{"type", "scope"},
	)

	deliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_total",
			Help:      "Total number of events enqueued on connection queues",
		},
		[]string{"type", "scope"},
	)

	evictedOnQueue := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_full_evictions_total",
			Help:      "Total number of connections evicted because their queue was full",
		},
	)

	registerer.MustRegister(
		opDuration,
		opErrors,
		transactions,
		swept,
		sweepErrors,
		resolves,
		resolveLatency,
		connections,
		closedConns,
		broadcasts,
		deliveries,
		evictedOnQueue,
	)

	return &PrometheusObserver{
		opDuration:     opDuration,
		opErrors:       opErrors,
		transactions:   transactions,
		swept:          swept,
		sweepErrors:    sweepErrors,
		resolves:       resolves,
		resolveLatency: resolveLatency,
		connections:    connections,
		closedConns:    closedConns,
		broadcasts:     broadcasts,
		deliveries:     deliveries,
		evictedOnQueue: evictedOnQueue,
	}
}

func (o *PrometheusObserver) OnOperation(ctx context.Context, event *OperationEvent) {
	status := "success"
	if event.Error != nil {
		status = "error"
		o.opErrors.WithLabelValues(event.Backend, event.Op, event.Type).Inc()
	}
	o.opDuration.WithLabelValues(event.Backend, event.Op, event.Type, status).Observe(event.Duration.Seconds())
}

func (o *PrometheusObserver) OnTransaction(ctx context.Context, event *TransactionEvent) {
	status := "success"
	if event.Error != nil {
		status = "error"
	}
	o.transactions.WithLabelValues(event.Backend, event.Action, status).Inc()
}

func (o *PrometheusObserver) OnSweep(ctx context.Context, event *SweepEvent) {
	if event.Error != nil {
		o.sweepErrors.WithLabelValues(event.Component, event.Type).Inc()
		return
	}
	if event.Purged > 0 {
		o.swept.WithLabelValues(event.Component, event.Type).Add(float64(event.Purged))
	}
}

func (o *PrometheusObserver) OnResolve(ctx context.Context, event *ResolveEvent) {
	status := "success"
	if event.Error != nil {
		status = "error"
	}
	o.resolves.WithLabelValues(event.Type, event.Source, status).Inc()
	if event.Error == nil {
		o.resolveLatency.WithLabelValues(event.Type, event.Source).Observe(event.Latency.Seconds())
	}
}

func (o *PrometheusObserver) OnConnection(ctx context.Context, event *ConnectionEvent) {
	o.connections.Set(float64(event.Active))
	if event.Action == "close" {
		o.closedConns.WithLabelValues(event.Reason).Inc()
	}
}

func (o *PrometheusObserver) OnBroadcast(ctx context.Context, event *BroadcastEvent) {
	labels := prometheus.Labels{
		"type":  event.Type,
		"scope": event.Scope,
	}
	o.broadcasts.With(labels).Inc()
	o.deliveries.With(labels).Add(float64(event.Delivered))
	if event.Evicted > 0 {
		o.evictedOnQueue.Add(float64(event.Evicted))
	}
}
