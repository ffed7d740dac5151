package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"livestate/pkg/observe"
)

// Start launches the background expiry sweep. It runs every cleanup interval
// until ctx is cancelled or Close is called. Calling Start more than once has
// no effect.
func (r *Registry) Start(ctx context.Context) {
	if r.cleanupInterval <= 0 {
		return
	}
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run(ctx)
	})
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	r.logger.Debug("connection sweep started", slog.Duration("interval", r.cleanupInterval))

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			r.logger.Debug("connection sweep stopping due to context cancellation")
			return
		case <-r.ctx.Done():
			r.logger.Debug("connection sweep stopping due to close")
			return
		}
	}
}

// Sweep removes every connection that has not emitted within the timeout and
// returns how many were removed. A panic during the pass is logged and
// reported; it never stops the background loop.
func (r *Registry) Sweep() int {
	start := time.Now()
	removed, err := r.sweep()
	r.observer.OnSweep(context.Background(), &observe.SweepEvent{
		Component: "registry",
		Purged:    removed,
		Duration:  time.Since(start),
		Error:     err,
	})
	if err != nil {
		r.logger.Error("connection sweep failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		r.logger.Info("expired connections removed", slog.Int("count", removed))
	}
	return removed
}

func (r *Registry) sweep() (removed int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sweep panicked: %v", p)
		}
	}()

	now := r.now()
	r.mu.RLock()
	var expired []string
	for id, c := range r.conns {
		if c.expired(now, r.timeout) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if r.remove(id, ReasonExpired) {
			removed++
		}
	}
	return removed, nil
}

// Close stops the background sweep, waits for it to exit and disconnects
// every remaining connection.
func (r *Registry) Close() error {
	r.cancel()
	r.wg.Wait()

	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.remove(id, ReasonShutdown)
	}
	return nil
}
