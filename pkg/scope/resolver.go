package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"livestate/pkg/observe"
	"livestate/pkg/store"
)

// ErrNotCached is returned by Persist for keys with no live instance.
var ErrNotCached = errors.New("state instance not cached")

// UnknownTypeLabel replaces the type name in resolve events for types that
// are not registered, keeping metric labels bounded.
const UnknownTypeLabel = "unknown"

// Resolver maps (state type, request context) to the one live instance for
// the computed key. Instances stay cached for the life of the process unless
// evicted or deleted.
type Resolver struct {
	backends *store.Backends
	auth     AuthProvider
	logger   *slog.Logger
	observer observe.Observer

	mu    sync.RWMutex
	types map[string]*registeredType
	cache map[StateKey]*cachedInstance

	group singleflight.Group
}

type registeredType struct {
	StateType
	codec   Codec
	backend store.Backend // nil unless AutoPersist
}

type cachedInstance struct {
	instance any
	typ      *registeredType
}

type resolution struct {
	instance any
	source   string
}

// NewResolver creates a Resolver that persists through backends.
func NewResolver(backends *store.Backends, opts ...Option) *Resolver {
	if backends == nil {
		backends = store.NewBackends()
	}
	r := &Resolver{
		backends: backends,
		logger:   slog.Default(),
		observer: observe.NoOpObserver{},
		types:    make(map[string]*registeredType),
		cache:    make(map[StateKey]*cachedInstance),
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// Register adds a state type. For auto-persisted types the named backend must
// already be registered; the snapshot schema is declared on it.
func (r *Resolver) Register(st StateType) error {
	if err := validateTypeName(st.Name); err != nil {
		return err
	}
	if st.New == nil {
		return fmt.Errorf("state type %s has no constructor", st.Name)
	}
	if st.Config.Scope < Global || st.Config.Scope > Record {
		return fmt.Errorf("state type %s: unknown scope %d", st.Name, int(st.Config.Scope))
	}

	st.Config.RequiredPermissions = append([]string(nil), st.Config.RequiredPermissions...)
	st.Config.RequiredRoles = append([]string(nil), st.Config.RequiredRoles...)
	rt := &registeredType{StateType: st, codec: st.Codec}
	if rt.codec == nil {
		rt.codec = defaultCodec(st.New())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.types[st.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateStateType, st.Name)
	}
	if st.Config.AutoPersist {
		b, err := r.backends.Get(st.Config.backendName())
		if err != nil {
			return fmt.Errorf("state type %s: %w", st.Name, err)
		}
		if err := b.Register(snapshotSchema(st)); err != nil {
			return fmt.Errorf("state type %s: %w", st.Name, err)
		}
		rt.backend = b
	}
	r.types[st.Name] = rt

	r.logger.Debug("state type registered",
		slog.String("type", st.Name),
		slog.String("scope", st.Config.Scope.String()),
		slog.Bool("auto_persist", st.Config.AutoPersist),
	)
	return nil
}

// Config returns the configuration typeName was registered with.
func (r *Resolver) Config(typeName string) (StateConfig, bool) {
	rt, ok := r.lookupType(typeName)
	if !ok {
		return StateConfig{}, false
	}
	return rt.Config, true
}

// Resolve returns the live instance of typeName for rc, together with its key.
//
// A cached instance is returned as is. Otherwise an auto-persisted type is
// hydrated from its backend, and failing that a fresh instance is built (and
// saved, for auto-persisted types). Concurrent misses on one key share a
// single resolution. Authorization runs before any backend access.
func (r *Resolver) Resolve(ctx context.Context, typeName string, rc RequestContext) (any, StateKey, error) {
	start := time.Now()
	inst, key, source, err := r.resolve(ctx, typeName, rc)

	event := &observe.ResolveEvent{
		Type:    UnknownTypeLabel,
		Key:     string(key),
		Source:  source,
		Latency: time.Since(start),
		Error:   err,
	}
	if cfg, ok := r.Config(typeName); ok {
		event.Type = typeName
		event.Scope = cfg.Scope.String()
	}
	r.observer.OnResolve(ctx, event)

	if err != nil {
		return nil, key, &ResolveError{Type: typeName, Key: key, Cause: err}
	}
	return inst, key, nil
}

func (r *Resolver) resolve(ctx context.Context, typeName string, rc RequestContext) (any, StateKey, string, error) {
	rt, ok := r.lookupType(typeName)
	if !ok {
		return nil, "", "", ErrUnknownStateType
	}
	if err := authorize(ctx, r.auth, rt.Config, rc); err != nil {
		return nil, "", "", err
	}
	key, err := r.keyFor(ctx, rt, rc)
	if err != nil {
		return nil, "", "", err
	}

	if inst, ok := r.Lookup(key); ok {
		r.rememberKey(rt, key, rc)
		return inst, key, observe.SourceCache, nil
	}

	ch := r.group.DoChan(string(key), func() (any, error) {
		if inst, ok := r.Lookup(key); ok {
			return resolution{instance: inst, source: observe.SourceCache}, nil
		}
		// Shared by every waiter, so one caller's cancellation must not abort it.
		return r.materialize(context.WithoutCancel(ctx), rt, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, key, "", res.Err
		}
		out := res.Val.(resolution)
		r.rememberKey(rt, key, rc)
		return out.instance, key, out.source, nil
	case <-ctx.Done():
		return nil, key, "", ctx.Err()
	}
}

// keyFor fills missing ids from the session store and auth provider, then
// computes the key.
func (r *Resolver) keyFor(ctx context.Context, rt *registeredType, rc RequestContext) (StateKey, error) {
	switch rt.Config.Scope {
	case Session:
		if rc.SessionID == "" && rc.Session != nil {
			if k, ok := rc.Session.Get(SessionKeyPrefix + rt.Name); ok && k != "" {
				return StateKey(k), nil
			}
		}
		if rc.SessionID == "" {
			rc.SessionID = sessionID(rc.Session)
		}
	case Component:
		if rc.SessionID == "" {
			rc.SessionID = sessionID(rc.Session)
		}
	case User:
		user, err := callerID(ctx, r.auth, rc)
		if err != nil {
			return "", err
		}
		rc.UserID = user
	}
	return KeyFor(rt.Config.Scope, rt.Name, rc)
}

// sessionID returns the id held by sess, generating one into it if absent.
// It returns "" when there is no session store.
func sessionID(sess SessionStore) string {
	if sess == nil {
		return ""
	}
	if id, ok := sess.Get(SessionIDKey); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	sess.Set(SessionIDKey, id)
	return id
}

// rememberKey records the key of a session-scoped type in the caller's session.
func (r *Resolver) rememberKey(rt *registeredType, key StateKey, rc RequestContext) {
	if rt.Config.Scope == Session && rc.Session != nil {
		rc.Session.Set(SessionKeyPrefix+rt.Name, string(key))
	}
}

func (r *Resolver) materialize(ctx context.Context, rt *registeredType, key StateKey) (any, error) {
	if rt.backend != nil {
		rec, ok, err := rt.backend.Load(ctx, rt.Name, string(key))
		if err != nil {
			r.logger.Warn("state load failed",
				slog.String("type", rt.Name),
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			inst, err := r.hydrate(rt, rec)
			if err != nil {
				return nil, err
			}
			r.put(key, rt, inst)
			return resolution{instance: inst, source: observe.SourcePersistence}, nil
		}
	}

	inst := rt.New()
	if rt.backend != nil {
		if err := r.save(ctx, rt, key, inst); err != nil {
			return nil, err
		}
	}
	r.put(key, rt, inst)
	return resolution{instance: inst, source: observe.SourceFresh}, nil
}

func (r *Resolver) hydrate(rt *registeredType, rec *store.Record) (any, error) {
	snap, ok := rec.Entity.(*Snapshot)
	if !ok {
		return nil, fmt.Errorf("stored entity for %s is %T, not a snapshot", rec.ID, rec.Entity)
	}
	inst := rt.New()
	if err := rt.codec.Unmarshal(snap.Data, inst); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", rec.ID, err)
	}
	return inst, nil
}

func (r *Resolver) save(ctx context.Context, rt *registeredType, key StateKey, inst any) error {
	data, err := rt.codec.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	snap := &Snapshot{Key: key, Scope: rt.Config.Scope.String(), Data: data}
	if _, err := rt.backend.Save(ctx, rt.Name, string(key), snap, store.WithTTL(rt.Config.TTL)); err != nil {
		r.logger.Warn("state save failed",
			slog.String("type", rt.Name),
			slog.String("key", string(key)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Persist saves the cached instance under key. It does nothing for types
// that are not auto-persisted.
func (r *Resolver) Persist(ctx context.Context, key StateKey) error {
	r.mu.RLock()
	c, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok {
		return &ResolveError{Type: key.TypeName(), Key: key, Cause: ErrNotCached}
	}
	if c.typ.backend == nil {
		return nil
	}
	if err := r.save(ctx, c.typ, key, c.instance); err != nil {
		return &ResolveError{Type: c.typ.Name, Key: key, Cause: err}
	}
	return nil
}

// Lookup returns the cached instance for key without resolving.
func (r *Resolver) Lookup(key StateKey) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	return c.instance, true
}

// Evict drops key from the cache. The persisted snapshot, if any, is kept and
// will hydrate the next resolution.
func (r *Resolver) Evict(key StateKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cache[key]
	delete(r.cache, key)
	return ok
}

// Delete evicts key and removes its persisted snapshot.
func (r *Resolver) Delete(ctx context.Context, key StateKey) error {
	r.Evict(key)

	rt, ok := r.lookupType(key.TypeName())
	if !ok {
		return &ResolveError{Type: key.TypeName(), Key: key, Cause: ErrUnknownStateType}
	}
	if rt.backend == nil {
		return nil
	}
	if _, err := rt.backend.Delete(ctx, rt.Name, string(key)); err != nil {
		return &ResolveError{Type: rt.Name, Key: key, Cause: fmt.Errorf("delete snapshot: %w", err)}
	}
	return nil
}

// Keys lists every cached key in sorted order.
func (r *Resolver) Keys() []StateKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]StateKey, 0, len(r.cache))
	for k := range r.cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (r *Resolver) lookupType(name string) (*registeredType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[name]
	return rt, ok
}

func (r *Resolver) put(key StateKey, rt *registeredType, inst any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = &cachedInstance{instance: inst, typ: rt}
}

// Resolve is the typed form of Resolver.Resolve.
func Resolve[T any](ctx context.Context, r *Resolver, typeName string, rc RequestContext) (T, StateKey, error) {
	var zero T
	v, key, err := r.Resolve(ctx, typeName, rc)
	if err != nil {
		return zero, key, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, key, &ResolveError{Type: typeName, Key: key, Cause: fmt.Errorf("instance is %T, not %T", v, zero)}
	}
	return typed, key, nil
}
