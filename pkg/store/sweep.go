package store

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
func (b *MemoryBackend) Start(ctx context.Context) {
	if b.cleanupInterval <= 0 {
		return
	}
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run(ctx)
	})
}

func (b *MemoryBackend) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	b.logger.Debug("expiry sweep started",
		slog.String("backend", b.name),
		slog.Duration("interval", b.cleanupInterval),
	)

	for {
		select {
		case <-ticker.C:
			b.Sweep(ctx)
		case <-ctx.Done():
			b.logger.Debug("expiry sweep stopping due to context cancellation", slog.String("backend", b.name))
			return
		case <-b.ctx.Done():
			b.logger.Debug("expiry sweep stopping due to close", slog.String("backend", b.name))
			return
		}
	}
}

// Close stops the background sweep and waits for it to exit.
func (b *MemoryBackend) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

// Sweep purges expired records of every known type and returns how many were
// removed. A failure on one type is logged and reported, and the pass moves on
// to the next type.
func (b *MemoryBackend) Sweep(ctx context.Context) int {
	total := 0
	for _, typeName := range b.Types() {
		start := time.Now()
		purged, err := b.sweepType(typeName)
		b.observer.OnSweep(ctx, &observe.SweepEvent{
			Component: "store",
			Type:      typeName,
			Purged:    purged,
			Duration:  time.Since(start),
			Error:     err,
		})
		if err != nil {
			b.logger.Error("expiry sweep failed",
				slog.String("backend", b.name),
				slog.String("type", typeName),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += purged
	}
	return total
}

func (b *MemoryBackend) sweepType(typeName string) (purged int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.purgeTypeLocked(typeName, b.now()), nil
}
