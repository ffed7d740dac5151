package stream

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"livestate/pkg/scope"
)

// Event kinds written to the push stream.
const (
	KindMergeSignals   = "merge-signals"
	KindMergeFragments = "merge-fragments"
	KindHeartbeat      = "heartbeat"
)

// Close reasons reported in observe.ConnectionEvent.
const (
	ReasonDisconnect = "disconnect"
	ReasonExpired    = "expired"
	ReasonQueueFull  = "queue_full"
	ReasonShutdown   = "shutdown"
)

// Update is one state change queued for a connection: a flat map of changed
// fields, optionally followed by HTML fragments.
type Update struct {
	Type      string
	Scope     scope.Scope
	Signals   map[string]any
	Fragments []string
	At        time.Time
}

// Connection is one open push stream. ID, SessionID and UserID never change;
// subscriptions change through the Registry.
type Connection struct {
	ID        string
	SessionID string
	UserID    string
	CreatedAt time.Time

	mu      sync.RWMutex
	states  map[string]struct{}
	records map[string]struct{}

	lastHeartbeat atomic.Int64 // unix nanoseconds
	active        atomic.Bool

	queue     chan Update
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, opts ConnectOptions, queueSize int, now time.Time) *Connection {
	c := &Connection{
		ID:        id,
		SessionID: opts.SessionID,
		UserID:    opts.UserID,
		CreatedAt: now,
		states:    make(map[string]struct{}, len(opts.States)),
		records:   make(map[string]struct{}, len(opts.Records)),
		queue:     make(chan Update, queueSize),
		done:      make(chan struct{}),
	}
	for _, t := range opts.States {
		c.states[t] = struct{}{}
	}
	for _, r := range opts.Records {
		c.records[recordKey(r.Type, r.ID)] = struct{}{}
	}
	c.lastHeartbeat.Store(now.UnixNano())
	c.active.Store(true)
	return c
}

// Active reports whether the connection is still registered.
func (c *Connection) Active() bool {
	return c.active.Load()
}

// LastHeartbeat returns when the stream last emitted anything.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Done is closed when the connection is deregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Events exposes the outbound queue for callers running their own stream loop
// instead of Registry.Serve. The channel is never closed; watch Done.
func (c *Connection) Events() <-chan Update {
	return c.queue
}

// Pending returns the number of queued updates.
func (c *Connection) Pending() int {
	return len(c.queue)
}

// States returns the subscribed state types, sorted.
func (c *Connection) States() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.states)
}

// Records returns the subscribed "{type}:{recordID}" keys, sorted.
func (c *Connection) Records() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.records)
}

func (c *Connection) touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

func (c *Connection) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastHeartbeat()) > timeout
}

// close marks the connection inactive and releases its stream loop. The
// queue is left open so a concurrent broadcaster never sends on a closed
// channel.
func (c *Connection) close() {
	c.active.Store(false)
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func recordKey(typeName, recordID string) string {
	return typeName + ":" + recordID
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
