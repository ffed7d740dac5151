package stream

import (
	"log/slog"
	"time"

	"livestate/pkg/observe"
)

// Registry defaults.
const (
	DefaultTimeout         = 90 * time.Second
	DefaultCleanupInterval = 30 * time.Second
	DefaultQueueSize       = 64
)

// Option is a functional option for configuring a Registry.
type Option interface {
	apply(*Registry)
}

type optionFunc func(*Registry)

func (f optionFunc) apply(r *Registry) {
	f(r)
}

// WithTimeout sets how long a connection may go without emitting before the
// sweep removes it.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(r *Registry) {
		r.timeout = d
	})
}

// WithCleanupInterval sets how often Start sweeps expired connections.
func WithCleanupInterval(d time.Duration) Option {
	return optionFunc(func(r *Registry) {
		r.cleanupInterval = d
	})
}

// WithHeartbeatInterval sets how long Serve waits on an empty queue before
// emitting a heartbeat. Defaults to a third of the timeout.
func WithHeartbeatInterval(d time.Duration) Option {
	return optionFunc(func(r *Registry) {
		r.heartbeatInterval = d
	})
}

// WithQueueSize sets the capacity of each connection's outbound queue.
func WithQueueSize(n int) Option {
	return optionFunc(func(r *Registry) {
		r.queueSize = n
	})
}

// WithLogger sets the logger for evictions and sweeps.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	})
}

// WithObserver sets the observer notified of connection and broadcast events.
func WithObserver(obs observe.Observer) Option {
	return optionFunc(func(r *Registry) {
		r.observer = observe.OrNoOp(obs)
	})
}

// WithClock replaces time.Now for heartbeat and expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(r *Registry) {
		if now != nil {
			r.now = now
		}
	})
}
