package stream

import (
	"context"
	"fmt"
	"time"
)

// EventWriter emits stream events to one client.
type EventWriter interface {
	WriteUpdate(u Update) error
	WriteHeartbeat(at time.Time) error
}

// Serve runs the stream loop for c until ctx is done, c is disconnected or c
// is found expired on wake-up. It emits a heartbeat on open and whenever the
// queue stays empty for the heartbeat interval; every emission refreshes c's
// heartbeat. Updates are written in enqueue order. c is always deregistered
// on return.
//
// Serve returns nil on a normal end of stream and the write error otherwise.
func (r *Registry) Serve(ctx context.Context, c *Connection, w EventWriter) error {
	reason := ReasonDisconnect
	defer func() {
		r.remove(c.ID, reason)
	}()

	if err := w.WriteHeartbeat(r.now()); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	c.touch(r.now())

	timer := time.NewTimer(r.heartbeatInterval)
	defer timer.Stop()

	for {
		var next *Update
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case u := <-c.queue:
			next = &u
		case <-timer.C:
		}

		// A loop that woke up past the timeout has missed its heartbeat.
		now := r.now()
		if c.expired(now, r.timeout) {
			reason = ReasonExpired
			return nil
		}

		if next != nil {
			if err := w.WriteUpdate(*next); err != nil {
				return fmt.Errorf("write update: %w", err)
			}
		} else if err := w.WriteHeartbeat(now); err != nil {
			return fmt.Errorf("write heartbeat: %w", err)
		}
		c.touch(r.now())
		timer.Reset(r.heartbeatInterval)
	}
}
