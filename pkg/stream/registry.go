// Package stream tracks push-stream connections and routes state changes to
// them. Each connection owns a bounded queue drained by its own stream loop;
// broadcasting never blocks on a slow consumer.
package stream

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"livestate/pkg/observe"
	"livestate/pkg/scope"
)

// RecordRef names one record a connection follows.
type RecordRef struct {
	Type string
	ID   string
}

// ConnectOptions describes a new connection.
type ConnectOptions struct {
	SessionID string
	UserID    string
	States    []string
	Records   []RecordRef
}

// Target carries the ids a scoped broadcast is routed by.
type Target struct {
	SessionID string
	UserID    string
	RecordID  string
}

// Registry holds every open connection, indexed by session, user, subscribed
// state type and subscribed record. One RWMutex guards all five maps.
type Registry struct {
	timeout           time.Duration
	cleanupInterval   time.Duration
	heartbeatInterval time.Duration
	queueSize         int
	now               func() time.Time
	logger            *slog.Logger
	observer          observe.Observer

	mu        sync.RWMutex
	conns     map[string]*Connection
	bySession map[string]map[string]struct{}
	byUser    map[string]map[string]struct{}
	byType    map[string]map[string]struct{}
	byRecord  map[string]map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewRegistry creates an empty registry. Call Start to run the expiry sweep.
func NewRegistry(opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		timeout:         DefaultTimeout,
		cleanupInterval: DefaultCleanupInterval,
		queueSize:       DefaultQueueSize,
		now:             time.Now,
		logger:          slog.Default(),
		observer:        observe.NoOpObserver{},
		conns:           make(map[string]*Connection),
		bySession:       make(map[string]map[string]struct{}),
		byUser:          make(map[string]map[string]struct{}),
		byType:          make(map[string]map[string]struct{}),
		byRecord:        make(map[string]map[string]struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	if r.heartbeatInterval <= 0 {
		r.heartbeatInterval = r.timeout / 3
	}
	if r.queueSize <= 0 {
		r.queueSize = DefaultQueueSize
	}
	return r
}

// Timeout reports how long a connection may stay silent before it expires.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// HeartbeatInterval reports the idle wait before Serve emits a heartbeat.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeatInterval }

// Connect registers a new connection and returns it.
func (r *Registry) Connect(opts ConnectOptions) *Connection {
	c := newConnection(uuid.NewString(), opts, r.queueSize, r.now())

	r.mu.Lock()
	r.conns[c.ID] = c
	addIndex(r.bySession, c.SessionID, c.ID)
	addIndex(r.byUser, c.UserID, c.ID)
	for t := range c.states {
		addIndex(r.byType, t, c.ID)
	}
	for k := range c.records {
		addIndex(r.byRecord, k, c.ID)
	}
	active := len(r.conns)
	r.mu.Unlock()

	r.observer.OnConnection(context.Background(), &observe.ConnectionEvent{
		ConnectionID: c.ID,
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		Action:       "open",
		Active:       active,
	})
	r.logger.Debug("connection opened",
		slog.String("connection_id", c.ID),
		slog.String("session_id", c.SessionID),
		slog.String("user_id", c.UserID),
	)
	return c
}

// Subscribe adds state types to a connection. It returns false if the
// connection is not registered.
func (r *Registry) Subscribe(id string, types ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		c.states[t] = struct{}{}
		addIndex(r.byType, t, id)
	}
	return true
}

// SubscribeRecord makes a connection follow one record.
func (r *Registry) SubscribeRecord(id, typeName, recordID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	k := recordKey(typeName, recordID)
	c.mu.Lock()
	c.records[k] = struct{}{}
	c.mu.Unlock()
	addIndex(r.byRecord, k, id)
	return true
}

// Unsubscribe removes state types from a connection.
func (r *Registry) Unsubscribe(id string, types ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		delete(c.states, t)
		removeIndex(r.byType, t, id)
	}
	return true
}

// Disconnect deregisters a connection. It returns false if the connection
// was already gone, so calling it twice is harmless.
func (r *Registry) Disconnect(id string) bool {
	return r.remove(id, ReasonDisconnect)
}

// remove is the single deregistration path: it scrubs every index, marks the
// connection inactive and releases its stream loop.
func (r *Registry) remove(id, reason string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	removeIndex(r.bySession, c.SessionID, id)
	removeIndex(r.byUser, c.UserID, id)
	c.mu.RLock()
	for t := range c.states {
		removeIndex(r.byType, t, id)
	}
	for k := range c.records {
		removeIndex(r.byRecord, k, id)
	}
	c.mu.RUnlock()
	active := len(r.conns)
	r.mu.Unlock()

	c.close()

	r.observer.OnConnection(context.Background(), &observe.ConnectionEvent{
		ConnectionID: c.ID,
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		Action:       "close",
		Reason:       reason,
		Active:       active,
	})
	r.logger.Debug("connection closed",
		slog.String("connection_id", c.ID),
		slog.String("reason", reason),
	)
	return true
}

// Broadcast enqueues a change to every connection the scope rules select and
// returns how many connections received it.
//
//	GLOBAL, COMPONENT: subscribers of typeName
//	SESSION:           subscribers of typeName in target.SessionID
//	USER:              subscribers of typeName for target.UserID
//	RECORD:            subscribers of typeName:target.RecordID
//
// A connection whose queue is full is evicted.
func (r *Registry) Broadcast(typeName string, changed map[string]any, s scope.Scope, target Target, fragments ...string) int {
	u := Update{
		Type:      typeName,
		Scope:     s,
		Signals:   maps.Clone(changed),
		Fragments: append([]string(nil), fragments...),
		At:        r.now(),
	}

	var full []*Connection
	delivered := 0

	r.mu.RLock()
	targets := r.targetsLocked(typeName, s, target)
	for _, c := range targets {
		select {
		case c.queue <- u:
			delivered++
		default:
			full = append(full, c)
		}
	}
	r.mu.RUnlock()

	evicted := 0
	for _, c := range full {
		r.logger.Warn("connection queue full, evicting",
			slog.String("connection_id", c.ID),
			slog.String("type", typeName),
			slog.Int("queue_size", cap(c.queue)),
		)
		if r.remove(c.ID, ReasonQueueFull) {
			evicted++
		}
	}

	r.observer.OnBroadcast(context.Background(), &observe.BroadcastEvent{
		Type:      typeName,
		Scope:     s.String(),
		Targets:   len(targets),
		Delivered: delivered,
		Evicted:   evicted,
	})
	return delivered
}

func (r *Registry) targetsLocked(typeName string, s scope.Scope, target Target) []*Connection {
	var ids map[string]struct{}
	var filter map[string]struct{}

	switch s {
	case scope.Session:
		if target.SessionID == "" {
			return nil
		}
		ids, filter = r.byType[typeName], r.bySession[target.SessionID]
	case scope.User:
		if target.UserID == "" {
			return nil
		}
		ids, filter = r.byType[typeName], r.byUser[target.UserID]
	case scope.Record:
		if target.RecordID == "" {
			return nil
		}
		ids = r.byRecord[recordKey(typeName, target.RecordID)]
	default:
		ids = r.byType[typeName]
	}

	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if filter != nil {
			if _, ok := filter[id]; !ok {
				continue
			}
		}
		if c, ok := r.conns[id]; ok && c.Active() {
			out = append(out, c)
		}
	}
	return out
}

// Get returns a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats counts registered connections and non-empty index buckets.
type Stats struct {
	Connections int
	Sessions    int
	Users       int
	StateTypes  int
	Records     int
}

// Stats returns a point-in-time summary of the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.conns),
		Sessions:    len(r.bySession),
		Users:       len(r.byUser),
		StateTypes:  len(r.byType),
		Records:     len(r.byRecord),
	}
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	ids, ok := index[key]
	if !ok {
		ids = make(map[string]struct{})
		index[key] = ids
	}
	ids[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	ids, ok := index[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(index, key)
	}
}
