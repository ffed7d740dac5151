package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"livestate/pkg/observe"
)

// MemoryBackend is a thread-safe, map-based Backend. It respects TTL but loses
// data on restart.
//
// One RWMutex guards the records, the secondary index and the transaction
// table. Reads that may purge an expired record take the write lock.
type MemoryBackend struct {
	name string

	mu        sync.RWMutex
	schemas   map[string]*Schema
	records   map[string]map[string]*Record            // type -> id -> record
	index     map[string]map[string]map[string]struct{} // type -> "field:value" -> ids
	indexKeys map[string]map[string][]string            // type -> id -> index keys written for it
	txs       map[string]*txState
	size      int

	maxEntities     int
	cleanupInterval time.Duration
	now             func() time.Time
	observer        observe.Observer
	logger          *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend. Call Start to run the
// background expiry sweep and Close to stop it.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBackend{
		name:            DefaultBackendName,
		schemas:         make(map[string]*Schema),
		records:         make(map[string]map[string]*Record),
		index:           make(map[string]map[string]map[string]struct{}),
		indexKeys:       make(map[string]map[string][]string),
		txs:             make(map[string]*txState),
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		observer:        observe.NoOpObserver{},
		logger:          slog.Default(),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt.apply(b)
	}
	return b
}

// Name returns the backend name.
func (b *MemoryBackend) Name() string {
	return b.name
}

// Register declares schema. Re-registering a type replaces its schema and
// rebuilds the index for records already stored.
func (b *MemoryBackend) Register(schema Schema) error {
	if err := validateType(schema.Type); err != nil {
		return err
	}
	fields := make(map[string]Extractor, len(schema.Fields))
	for name, fn := range schema.Fields {
		if fn == nil {
			return &ValidationError{Field: "schema", Message: fmt.Sprintf("field %q has no extractor", name)}
		}
		fields[name] = fn
	}
	s := &Schema{Type: schema.Type, Fields: fields, DefaultTTL: schema.DefaultTTL}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.schemas[schema.Type] = s
	for id, rec := range b.records[schema.Type] {
		b.writeIndexLocked(schema.Type, id, computeIndexKeys(s, rec.Entity))
	}
	return nil
}

// Types returns every type that has a schema or stored records, sorted.
func (b *MemoryBackend) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.typesLocked()
}

func (b *MemoryBackend) typesLocked() []string {
	seen := make(map[string]struct{}, len(b.schemas)+len(b.records))
	for t := range b.schemas {
		seen[t] = struct{}{}
	}
	for t := range b.records {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Save stores entity and returns its id.
func (b *MemoryBackend) Save(ctx context.Context, typeName, id string, entity any, opts ...OpOption) (string, error) {
	start := time.Now()
	cfg := buildOpConfig(opts)
	id, err := b.save(typeName, id, entity, cfg)
	b.report(ctx, "save", typeName, start, false, cfg.tx != nil, err)
	return id, err
}

func (b *MemoryBackend) save(typeName, id string, entity any, cfg opConfig) (string, error) {
	if err := validateType(typeName); err != nil {
		return "", err
	}
	if err := validateID(id, true); err != nil {
		return "", err
	}
	if err := validateEntity(entity); err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.tx != nil {
		st, err := b.checkTxLocked(cfg.tx, "buffer")
		if err != nil {
			return "", err
		}
		st.buffer(typeName, id, pendingOp{
			entity: cloneEntity(entity),
			ttl:    cfg.ttl,
			ttlSet: cfg.ttlSet,
		})
		return id, nil
	}

	if err := b.applySaveLocked(typeName, id, cloneEntity(entity), cfg.ttl, cfg.ttlSet); err != nil {
		return "", err
	}
	return id, nil
}

// applySaveLocked writes one record and rebuilds its index entries. Index keys
// are computed before anything is mutated so a failing extractor leaves the
// store untouched.
func (b *MemoryBackend) applySaveLocked(typeName, id string, entity any, ttl time.Duration, ttlSet bool) error {
	now := b.now()
	schema := b.schemaLocked(typeName)
	keys := computeIndexKeys(schema, entity)

	existing, exists := b.records[typeName][id]
	if exists && existing.IsExpired(now) {
		b.removeLocked(typeName, id)
		exists = false
	}
	if !exists && b.maxEntities > 0 && b.size >= b.maxEntities {
		b.purgeExpiredLocked(now)
		if b.size >= b.maxEntities {
			return fmt.Errorf("%w: limit is %d", ErrCapacityExceeded, b.maxEntities)
		}
	}

	if !ttlSet {
		ttl = schema.DefaultTTL
	}
	rec := &Record{
		Type:      typeName,
		ID:        id,
		Entity:    entity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if exists {
		rec.CreatedAt = existing.CreatedAt
		rec.AccessCount = existing.AccessCount
		rec.LastAccessed = existing.LastAccessed
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}

	byID, ok := b.records[typeName]
	if !ok {
		byID = make(map[string]*Record)
		b.records[typeName] = byID
	}
	byID[id] = rec
	if !exists {
		b.size++
	}
	b.writeIndexLocked(typeName, id, keys)
	return nil
}

// Load returns a copy of the record stored under (typeName, id).
func (b *MemoryBackend) Load(ctx context.Context, typeName, id string, opts ...OpOption) (*Record, bool, error) {
	start := time.Now()
	cfg := buildOpConfig(opts)
	rec, err := b.load(typeName, id, cfg, true)
	b.report(ctx, "load", typeName, start, rec != nil, false, err)
	return rec, rec != nil, err
}

// Exists reports whether a live record is stored. Access counters are untouched.
func (b *MemoryBackend) Exists(ctx context.Context, typeName, id string) (bool, error) {
	start := time.Now()
	rec, err := b.load(typeName, id, opConfig{}, false)
	b.report(ctx, "exists", typeName, start, rec != nil, false, err)
	return rec != nil, err
}

func (b *MemoryBackend) load(typeName, id string, cfg opConfig, touch bool) (*Record, error) {
	if err := validateType(typeName); err != nil {
		return nil, err
	}
	if err := validateID(id, false); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if cfg.tx != nil {
		st, err := b.checkTxLocked(cfg.tx, "load")
		if err != nil {
			return nil, err
		}
		if op, ok := st.pending(typeName, id); ok {
			if op.del {
				return nil, nil
			}
			return b.pendingRecordLocked(typeName, id, op, now), nil
		}
	}

	rec, ok := b.records[typeName][id]
	if !ok {
		return nil, nil
	}
	if rec.IsExpired(now) {
		b.removeLocked(typeName, id)
		return nil, nil
	}
	if touch {
		rec.AccessCount++
		rec.LastAccessed = now
	}
	return rec.snapshot(), nil
}

// pendingRecordLocked renders a buffered save as the record it would become.
func (b *MemoryBackend) pendingRecordLocked(typeName, id string, op pendingOp, now time.Time) *Record {
	rec := &Record{
		Type:      typeName,
		ID:        id,
		Entity:    cloneEntity(op.entity),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, ok := b.records[typeName][id]; ok && !existing.IsExpired(now) {
		rec.CreatedAt = existing.CreatedAt
		rec.AccessCount = existing.AccessCount
		rec.LastAccessed = existing.LastAccessed
	}
	ttl := op.ttl
	if !op.ttlSet {
		ttl = b.schemaLocked(typeName).DefaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}
	return rec
}

// Delete removes the record under (typeName, id).
func (b *MemoryBackend) Delete(ctx context.Context, typeName, id string, opts ...OpOption) (bool, error) {
	start := time.Now()
	cfg := buildOpConfig(opts)
	deleted, err := b.delete(typeName, id, cfg)
	b.report(ctx, "delete", typeName, start, deleted, cfg.tx != nil, err)
	return deleted, err
}

func (b *MemoryBackend) delete(typeName, id string, cfg opConfig) (bool, error) {
	if err := validateType(typeName); err != nil {
		return false, err
	}
	if err := validateID(id, false); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if cfg.tx != nil {
		st, err := b.checkTxLocked(cfg.tx, "buffer")
		if err != nil {
			return false, err
		}
		visible := false
		if op, ok := st.pending(typeName, id); ok {
			visible = !op.del
		} else if rec, ok := b.records[typeName][id]; ok && !rec.IsExpired(now) {
			visible = true
		}
		st.buffer(typeName, id, pendingOp{del: true})
		return visible, nil
	}

	rec, ok := b.records[typeName][id]
	if !ok {
		return false, nil
	}
	expired := rec.IsExpired(now)
	b.removeLocked(typeName, id)
	return !expired, nil
}

// Query runs filter, total count, sort and pagination over live records.
func (b *MemoryBackend) Query(ctx context.Context, typeName string, q QueryOptions) (*QueryResult, error) {
	start := time.Now()
	res, err := b.query(typeName, q)
	b.report(ctx, "query", typeName, start, res != nil && len(res.Records) > 0, false, err)
	return res, err
}

func (b *MemoryBackend) query(typeName string, q QueryOptions) (*QueryResult, error) {
	if err := validateType(typeName); err != nil {
		return nil, err
	}
	if q.Offset < 0 || q.Limit < 0 {
		return nil, &ValidationError{Field: "query", Message: "offset and limit must not be negative"}
	}

	began := time.Now()
	matched, schema := b.collect(typeName, q.Filters)

	result := &QueryResult{TotalCount: -1}
	if q.IncludeTotal {
		result.TotalCount = len(matched)
	}
	sortRecords(schema, matched, q.Sort)
	result.Records = paginate(matched, q.Offset, q.Limit)
	result.HasMore = q.Limit > 0 && len(result.Records) == q.Limit
	result.QueryTime = time.Since(began)
	return result, nil
}

// Count returns the number of live records matching filters.
func (b *MemoryBackend) Count(ctx context.Context, typeName string, filters ...Filter) (int, error) {
	start := time.Now()
	var n int
	err := validateType(typeName)
	if err == nil {
		matched, _ := b.collect(typeName, filters)
		n = len(matched)
	}
	b.report(ctx, "count", typeName, start, n > 0, false, err)
	return n, err
}

// collect returns snapshots of every live record of typeName matching filters,
// purging expired records it encounters.
func (b *MemoryBackend) collect(typeName string, filters []Filter) ([]*Record, *Schema) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	schema := b.schemas[typeName]
	byID := b.records[typeName]
	out := make([]*Record, 0)
	for _, id := range b.candidatesLocked(typeName, schema, filters) {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		if rec.IsExpired(now) {
			b.removeLocked(typeName, id)
			continue
		}
		if matchesAll(schema, rec.Entity, filters) {
			out = append(out, rec.snapshot())
		}
	}
	return out, schema
}

// candidatesLocked narrows the scan using the secondary index for equality
// filters on declared fields. Every candidate is still checked against all
// filters by the caller.
func (b *MemoryBackend) candidatesLocked(typeName string, schema *Schema, filters []Filter) []string {
	var set map[string]struct{}
	if schema != nil {
		for _, f := range filters {
			if f.Op != OpEq || !indexable(f.Value) {
				continue
			}
			if _, declared := schema.Fields[f.Field]; !declared {
				continue
			}
			bucket := b.index[typeName][indexKey(f.Field, f.Value)]
			if set == nil {
				set = make(map[string]struct{}, len(bucket))
				for id := range bucket {
					set[id] = struct{}{}
				}
				continue
			}
			for id := range set {
				if _, ok := bucket[id]; !ok {
					delete(set, id)
				}
			}
		}
	}

	if set == nil {
		ids := make([]string, 0, len(b.records[typeName]))
		for id := range b.records[typeName] {
			ids = append(ids, id)
		}
		return ids
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// FindIDs returns the ids of live records whose declared field equals value,
// answered from the secondary index alone.
func (b *MemoryBackend) FindIDs(typeName, field string, value any) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	bucket := b.index[typeName][indexKey(field, value)]
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		if rec, ok := b.records[typeName][id]; ok && !rec.IsExpired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats describes the backend's current contents.
type Stats struct {
	Records          map[string]int // live and not-yet-purged records per type
	Total            int
	IndexEntries     int
	OpenTransactions int
}

// Stats returns a point-in-time summary of the backend.
func (b *MemoryBackend) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Records:          make(map[string]int, len(b.records)),
		Total:            b.size,
		OpenTransactions: len(b.txs),
	}
	for t, byID := range b.records {
		if len(byID) > 0 {
			s.Records[t] = len(byID)
		}
	}
	for _, buckets := range b.index {
		for _, ids := range buckets {
			s.IndexEntries += len(ids)
		}
	}
	return s
}

func (b *MemoryBackend) schemaLocked(typeName string) *Schema {
	s, ok := b.schemas[typeName]
	if !ok {
		s = &Schema{Type: typeName}
		b.schemas[typeName] = s
	}
	return s
}

func computeIndexKeys(schema *Schema, entity any) []string {
	if schema == nil || len(schema.Fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(schema.Fields))
	for name := range schema.Fields {
		v, ok := schema.field(entity, name)
		if !ok || v == nil {
			continue
		}
		keys = append(keys, indexKey(name, v))
	}
	return keys
}

// writeIndexLocked replaces the index entries for id with keys. Clearing and
// writing happen under the same lock, so concurrent saves of one id never
// interleave.
func (b *MemoryBackend) writeIndexLocked(typeName, id string, keys []string) {
	b.clearIndexLocked(typeName, id)
	if len(keys) == 0 {
		return
	}

	buckets, ok := b.index[typeName]
	if !ok {
		buckets = make(map[string]map[string]struct{})
		b.index[typeName] = buckets
	}
	for _, key := range keys {
		ids, ok := buckets[key]
		if !ok {
			ids = make(map[string]struct{})
			buckets[key] = ids
		}
		ids[id] = struct{}{}
	}

	byID, ok := b.indexKeys[typeName]
	if !ok {
		byID = make(map[string][]string)
		b.indexKeys[typeName] = byID
	}
	byID[id] = keys
}

func (b *MemoryBackend) clearIndexLocked(typeName, id string) {
	keys, ok := b.indexKeys[typeName][id]
	if !ok {
		return
	}
	buckets := b.index[typeName]
	for _, key := range keys {
		ids := buckets[key]
		delete(ids, id)
		if len(ids) == 0 {
			delete(buckets, key)
		}
	}
	if len(buckets) == 0 {
		delete(b.index, typeName)
	}
	delete(b.indexKeys[typeName], id)
	if len(b.indexKeys[typeName]) == 0 {
		delete(b.indexKeys, typeName)
	}
}

// removeLocked deletes a record and its index entries.
func (b *MemoryBackend) removeLocked(typeName, id string) bool {
	byID, ok := b.records[typeName]
	if !ok {
		return false
	}
	if _, ok := byID[id]; !ok {
		return false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(b.records, typeName)
	}
	b.size--
	b.clearIndexLocked(typeName, id)
	return true
}

// purgeExpiredLocked removes expired records of every type and returns how
// many were removed.
func (b *MemoryBackend) purgeExpiredLocked(now time.Time) int {
	purged := 0
	for typeName := range b.records {
		purged += b.purgeTypeLocked(typeName, now)
	}
	return purged
}

func (b *MemoryBackend) purgeTypeLocked(typeName string, now time.Time) int {
	purged := 0
	for id, rec := range b.records[typeName] {
		if rec.IsExpired(now) && b.removeLocked(typeName, id) {
			purged++
		}
	}
	return purged
}

func (b *MemoryBackend) report(ctx context.Context, op, typeName string, start time.Time, hit, buffered bool, err error) {
	b.observer.OnOperation(ctx, &observe.OperationEvent{
		Backend:  b.name,
		Op:       op,
		Type:     typeName,
		Hit:      hit,
		Buffered: buffered,
		Duration: time.Since(start),
		Error:    err,
	})
}
