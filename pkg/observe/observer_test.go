package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// countingObserver counts calls per hook.
type countingObserver struct {
	NoOpObserver
	calls map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{calls: map[string]int{}}
}

func (c *countingObserver) OnOperation(context.Context, *OperationEvent)     { c.calls["operation"]++ }
func (c *countingObserver) OnTransaction(context.Context, *TransactionEvent) { c.calls["transaction"]++ }
func (c *countingObserver) OnSweep(context.Context, *SweepEvent)             { c.calls["sweep"]++ }
func (c *countingObserver) OnResolve(context.Context, *ResolveEvent)         { c.calls["resolve"]++ }
func (c *countingObserver) OnConnection(context.Context, *ConnectionEvent)   { c.calls["connection"]++ }
func (c *countingObserver) OnBroadcast(context.Context, *BroadcastEvent)     { c.calls["broadcast"]++ }

func emitAll(ctx context.Context, obs Observer) {
	obs.OnOperation(ctx, &OperationEvent{Backend: "memory", Op: "save", Type: "Counter", Duration: time.Millisecond})
	obs.OnTransaction(ctx, &TransactionEvent{Backend: "memory", TxID: "tx", Action: "commit", Operations: 2})
	obs.OnSweep(ctx, &SweepEvent{Component: "store", Type: "Counter", Purged: 3})
	obs.OnResolve(ctx, &ResolveEvent{Type: "Counter", Key: "global:Counter", Scope: "global", Source: SourceFresh})
	obs.OnConnection(ctx, &ConnectionEvent{ConnectionID: "c1", Action: "open", Active: 1})
	obs.OnBroadcast(ctx, &BroadcastEvent{Type: "Counter", Scope: "global", Targets: 1, Delivered: 1})
}

func TestMultiObserverFansOut(t *testing.T) {
	a, b := newCountingObserver(), newCountingObserver()
	emitAll(context.Background(), &MultiObserver{Observers: []Observer{a, b}})

	want := map[string]int{
		"operation": 1, "transaction": 1, "sweep": 1,
		"resolve": 1, "connection": 1, "broadcast": 1,
	}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
}

func TestOrNoOp(t *testing.T) {
	assert.Equal(t, NoOpObserver{}, OrNoOp(nil))

	c := newCountingObserver()
	assert.Same(t, c, OrNoOp(c))
}

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver("test", reg)
	ctx := context.Background()

	obs.OnOperation(ctx, &OperationEvent{Backend: "memory", Op: "save", Type: "Counter"})
	obs.OnOperation(ctx, &OperationEvent{Backend: "memory", Op: "load", Type: "Counter", Error: errors.New("boom")})
	obs.OnSweep(ctx, &SweepEvent{Component: "store", Type: "Counter", Purged: 4})
	obs.OnSweep(ctx, &SweepEvent{Component: "registry", Purged: 0})
	obs.OnResolve(ctx, &ResolveEvent{Type: "Counter", Source: SourceCache})
	obs.OnResolve(ctx, &ResolveEvent{Type: "Counter", Source: SourceCache})
	obs.OnConnection(ctx, &ConnectionEvent{Action: "open", Active: 2})
	obs.OnConnection(ctx, &ConnectionEvent{Action: "close", Reason: "queue_full", Active: 1})
	obs.OnBroadcast(ctx, &BroadcastEvent{Type: "Counter", Scope: "session", Targets: 3, Delivered: 2, Evicted: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.opErrors.WithLabelValues("memory", "load", "Counter")))
	assert.Equal(t, 4.0, testutil.ToFloat64(obs.swept.WithLabelValues("store", "Counter")))
	assert.Equal(t, 1, testutil.CollectAndCount(obs.swept), "empty sweeps add no series")
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.resolves.WithLabelValues("Counter", SourceCache, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.closedConns.WithLabelValues("queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.broadcasts.WithLabelValues("Counter", "session")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.deliveries.WithLabelValues("Counter", "session")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.evictedOnQueue))
	assert.Equal(t, 2, testutil.CollectAndCount(obs.opDuration))
}

func TestPrometheusObserverDefaultNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPrometheusObserver("", reg)
	obs.OnConnection(context.Background(), &ConnectionEvent{Action: "open", Active: 1})

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "livestate_livestate_connections_active")
}

func TestOTelObserverWithNoopProviders(t *testing.T) {
	obs, err := NewOTelObserver(
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"),
	)
	require.NoError(t, err)

	ctx, span := obs.StartSpan(context.Background(), "request")
	defer span.End()

	assert.NotPanics(t, func() {
		emitAll(ctx, obs)
		obs.OnOperation(ctx, &OperationEvent{Op: "load", Error: errors.New("boom")})
		obs.OnConnection(ctx, &ConnectionEvent{Action: "close", Reason: "expired"})
	})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestSlogObserverRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()

	obs := NewSlogObserver(logger, slog.LevelWarn)
	emitAll(ctx, obs)
	assert.Empty(t, buf.String(), "info and debug events are filtered")

	obs.OnResolve(ctx, &ResolveEvent{Type: "Counter", Scope: "session", Error: errors.New("missing session")})
	obs.OnBroadcast(ctx, &BroadcastEvent{Type: "Counter", Scope: "global", Evicted: 2})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "state resolution failed", lines[0]["msg"])
	assert.Equal(t, "missing session", lines[0]["error"])
	assert.Equal(t, "broadcast evicted slow connections", lines[1]["msg"])
	assert.Equal(t, float64(2), lines[1]["evicted"])
}

func TestSlogObserverConnectionAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := NewSlogObserver(logger, slog.LevelInfo)

	obs.OnConnection(context.Background(), &ConnectionEvent{
		ConnectionID: "c1",
		SessionID:    "s1",
		Action:       "close",
		Reason:       "expired",
	})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "c1", lines[0]["connection_id"])
	assert.Equal(t, "s1", lines[0]["session_id"])
	assert.Equal(t, "expired", lines[0]["reason"])
	assert.NotContains(t, lines[0], "user_id")
}
