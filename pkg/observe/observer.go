// Package observe defines the Observer hook used by the store, scope and
// stream packages, plus slog, Prometheus and OpenTelemetry implementations.
package observe

import (
	"context"
	"time"
)

// Observer is the interface for observing persistence, resolution and
// broadcast events. Implementations can emit metrics, logs, or traces to their
// observability backend.
//
// All Observer methods are called synchronously on the hot path (including
// Broadcast), so implementations must be fast and non-blocking.
type Observer interface {
	// OnOperation is called after every persistence backend operation.
	OnOperation(ctx context.Context, event *OperationEvent)

	// OnTransaction is called when a transaction begins, commits or rolls back.
	OnTransaction(ctx context.Context, event *TransactionEvent)

	// OnSweep is called after each expiry sweep pass over one entity type or
	// over the connection registry.
	OnSweep(ctx context.Context, event *SweepEvent)

	// OnResolve is called when a state instance has been resolved.
	OnResolve(ctx context.Context, event *ResolveEvent)

	// OnConnection is called when a push connection opens or closes.
	OnConnection(ctx context.Context, event *ConnectionEvent)

	// OnBroadcast is called after a broadcast has been routed.
	OnBroadcast(ctx context.Context, event *BroadcastEvent)
}

// OperationEvent is emitted after a backend operation completes.
type OperationEvent struct {
	Backend  string // Backend name, e.g. "memory"
	Op       string // save, load, delete, query, count, exists
	Type     string // Entity type name
	Hit      bool   // load/exists only: record was found
	Buffered bool   // write was buffered in a transaction
	Duration time.Duration
	Error    error // nil if successful
}

// TransactionEvent is emitted on transaction lifecycle changes.
type TransactionEvent struct {
	Backend    string
	TxID       string
	Action     string // begin, commit, rollback
	Operations int    // buffered operations at commit/rollback time
	Error      error
}

// SweepEvent is emitted after a sweep pass.
type SweepEvent struct {
	Component string // "store" or "registry"
	Type      string // entity type; empty for the registry
	Purged    int
	Duration  time.Duration
	Error     error
}

// ResolveEvent is emitted when the scope resolver finishes a resolution.
type ResolveEvent struct {
	Type    string
	Key     string
	Scope   string
	Source  string // cache, persistence, fresh
	Latency time.Duration
	Error   error
}

// Resolution sources reported in ResolveEvent.Source.
const (
	SourceCache       = "cache"
	SourcePersistence = "persistence"
	SourceFresh       = "fresh"
)

// ConnectionEvent is emitted when a connection is registered or removed.
type ConnectionEvent struct {
	ConnectionID string
	SessionID    string
	UserID       string
	Action       string // open, close
	Reason       string // close reason: disconnect, expired, queue_full, shutdown
	Active       int    // connections registered after the change
}

// BroadcastEvent is emitted after a broadcast has been enqueued.
type BroadcastEvent struct {
	Type      string
	Scope     string
	Targets   int // connections matched by the scope rules
	Delivered int // events enqueued
	Evicted   int // connections dropped because their queue was full
}

// NoOpObserver is a no-op implementation of Observer.
// Useful as a base for partial implementations.
type NoOpObserver struct{}

func (NoOpObserver) OnOperation(ctx context.Context, event *OperationEvent)     {}
func (NoOpObserver) OnTransaction(ctx context.Context, event *TransactionEvent) {}
func (NoOpObserver) OnSweep(ctx context.Context, event *SweepEvent)             {}
func (NoOpObserver) OnResolve(ctx context.Context, event *ResolveEvent)         {}
func (NoOpObserver) OnConnection(ctx context.Context, event *ConnectionEvent)   {}
func (NoOpObserver) OnBroadcast(ctx context.Context, event *BroadcastEvent)     {}

// MultiObserver combines multiple observers into one.
// Events are sent to all observers in order.
type MultiObserver struct {
	Observers []Observer
}

func (m *MultiObserver) OnOperation(ctx context.Context, event *OperationEvent) {
	for _, obs := range m.Observers {
		obs.OnOperation(ctx, event)
	}
}

func (m *MultiObserver) OnTransaction(ctx context.Context, event *TransactionEvent) {
	for _, obs := range m.Observers {
		obs.OnTransaction(ctx, event)
	}
}

func (m *MultiObserver) OnSweep(ctx context.Context, event *SweepEvent) {
	for _, obs := range m.Observers {
		obs.OnSweep(ctx, event)
	}
}

func (m *MultiObserver) OnResolve(ctx context.Context, event *ResolveEvent) {
	for _, obs := range m.Observers {
		obs.OnResolve(ctx, event)
	}
}

func (m *MultiObserver) OnConnection(ctx context.Context, event *ConnectionEvent) {
	for _, obs := range m.Observers {
		obs.OnConnection(ctx, event)
	}
}

func (m *MultiObserver) OnBroadcast(ctx context.Context, event *BroadcastEvent) {
	for _, obs := range m.Observers {
		obs.OnBroadcast(ctx, event)
	}
}

// OrNoOp returns obs, or a NoOpObserver when obs is nil.
func OrNoOp(obs Observer) Observer {
	if obs == nil {
		return NoOpObserver{}
	}
	return obs
}
