// Package store implements the persistence layer for resolved state: an entity
// record store with TTL expiry, secondary indexes, a query pipeline, batch
// operations and buffered transactions.
//
// MemoryBackend is the only implementation in this module. Durable backends
// (SQL and friends) live outside it and plug in by implementing Backend.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Backend is the interface for persisting entity records.
// Implementations must be thread-safe.
type Backend interface {
	// Name identifies the backend in StateConfig and in observer events.
	Name() string

	// Register declares the schema of an entity type.
	Register(schema Schema) error

	// Save stores entity under (typeName, id) and returns the id. An empty id
	// is replaced by a generated one. With InTx the write is buffered.
	Save(ctx context.Context, typeName, id string, entity any, opts ...OpOption) (string, error)

	// Load returns the record, or (nil, false, nil) if absent or expired.
	Load(ctx context.Context, typeName, id string, opts ...OpOption) (*Record, bool, error)

	// Exists reports whether a live record is stored, without counting an access.
	Exists(ctx context.Context, typeName, id string) (bool, error)

	// Delete removes the record. Returns false if there was nothing to delete.
	Delete(ctx context.Context, typeName, id string, opts ...OpOption) (bool, error)

	// Query runs the filter/sort/paginate pipeline over live records.
	Query(ctx context.Context, typeName string, q QueryOptions) (*QueryResult, error)

	// Count returns the number of live records matching every filter.
	Count(ctx context.Context, typeName string, filters ...Filter) (int, error)

	SaveBatch(ctx context.Context, typeName string, items []BatchItem, opts ...OpOption) ([]string, error)
	LoadBatch(ctx context.Context, typeName string, ids []string, opts ...OpOption) ([]*Record, error)
	DeleteBatch(ctx context.Context, typeName string, ids []string, opts ...OpOption) (int, error)

	// Begin starts a transaction local to this backend.
	Begin(ctx context.Context, isolation Isolation) (Tx, error)

	// Commit applies every buffered write atomically.
	Commit(ctx context.Context, tx Tx) error

	// Rollback discards the buffered writes.
	Rollback(ctx context.Context, tx Tx) error
}

// OpOption is a functional option for a single backend operation.
type OpOption interface {
	apply(*opConfig)
}

type opConfig struct {
	tx     Tx
	ttl    time.Duration
	ttlSet bool
}

type opOptionFunc func(*opConfig)

func (f opOptionFunc) apply(c *opConfig) {
	f(c)
}

// InTx routes the operation through tx: writes are buffered until Commit and
// loads see the transaction's own pending writes first.
func InTx(tx Tx) OpOption {
	return opOptionFunc(func(c *opConfig) {
		c.tx = tx
	})
}

// WithTTL overrides the schema's DefaultTTL for one save. 0 means never expire.
func WithTTL(ttl time.Duration) OpOption {
	return opOptionFunc(func(c *opConfig) {
		c.ttl = ttl
		c.ttlSet = true
	})
}

func buildOpConfig(opts []OpOption) opConfig {
	var c opConfig
	for _, opt := range opts {
		opt.apply(&c)
	}
	return c
}

// TxOf returns the transaction named by InTx in opts, or nil.
func TxOf(opts ...OpOption) Tx {
	return buildOpConfig(opts).tx
}

// TTLOf returns the TTL set by WithTTL in opts and whether one was set.
func TTLOf(opts ...OpOption) (time.Duration, bool) {
	c := buildOpConfig(opts)
	return c.ttl, c.ttlSet
}

// BatchItem is one entity for SaveBatch.
type BatchItem struct {
	ID     string
	Entity any
}

// Backends is a registry of named backends, used by the scope resolver to
// pick the backend named in a state's configuration.
type Backends struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewBackends creates a registry holding the given backends under their names.
func NewBackends(backends ...Backend) *Backends {
	r := &Backends{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// Register adds or replaces a backend under name.
func (r *Backends) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Get returns the backend registered under name.
func (r *Backends) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, name)
	}
	return b, nil
}

// Names lists the registered backend names in sorted order.
func (r *Backends) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
