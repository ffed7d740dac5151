package store

import (
	"log/slog"
	"time"

	"livestate/pkg/observe"
)

// Defaults for MemoryBackend.
const (
	DefaultBackendName     = "memory"
	DefaultCleanupInterval = 60 * time.Second
)

// MemoryOption is a functional option for configuring a MemoryBackend.
type MemoryOption interface {
	apply(*MemoryBackend)
}

type memoryOptionFunc func(*MemoryBackend)

func (f memoryOptionFunc) apply(b *MemoryBackend) {
	f(b)
}

// WithName sets the backend name reported by Name() (default "memory").
func WithName(name string) MemoryOption {
	return memoryOptionFunc(func(b *MemoryBackend) {
		b.name = name
	})
}

// WithCleanupInterval sets how often Start sweeps expired records.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return memoryOptionFunc(func(b *MemoryBackend) {
		b.cleanupInterval = d
	})
}

// WithMaxEntities caps the number of stored records across all types.
// 0 means unlimited.
func WithMaxEntities(n int) MemoryOption {
	return memoryOptionFunc(func(b *MemoryBackend) {
		b.maxEntities = n
	})
}

// WithObserver sets the observer notified of every operation and sweep.
func WithObserver(obs observe.Observer) MemoryOption {
	return memoryOptionFunc(func(b *MemoryBackend) {
		b.observer = observe.OrNoOp(obs)
	})
}

// WithLogger sets the logger used for sweep diagnostics.
func WithLogger(logger *slog.Logger) MemoryOption {
	return memoryOptionFunc(func(b *MemoryBackend) {
		if logger != nil {
			b.logger = logger
		}
	})
}

// WithClock replaces time.Now, mainly for TTL tests.
func WithClock(now func() time.Time) MemoryOption {
	return memoryOptionFunc(func(b *MemoryBackend) {
		if now != nil {
			b.now = now
		}
	})
}
