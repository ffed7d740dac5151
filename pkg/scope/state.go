package scope

import (
	"encoding/json"
	"time"

	"livestate/pkg/store"
)

// StateConfig controls how one state type is keyed, persisted and guarded.
// It is fixed at registration.
type StateConfig struct {
	Scope Scope

	// TTL of persisted snapshots. 0 means they never expire.
	TTL time.Duration

	// AutoPersist loads instances from and saves them to Backend.
	AutoPersist bool

	// Backend names the persistence backend. Empty means store.DefaultBackendName.
	Backend string

	// RequiredPermissions and RequiredRoles gate resolution. The caller must
	// hold at least one entry of each non-empty list.
	RequiredPermissions []string
	RequiredRoles       []string
}

func (c StateConfig) backendName() string {
	if c.Backend == "" {
		return store.DefaultBackendName
	}
	return c.Backend
}

// StateType describes an application state type.
//
// Example:
//
//	r.Register(scope.StateType{
//	    Name:   "Counter",
//	    New:    func() any { return &Counter{} },
//	    Config: scope.StateConfig{Scope: scope.Session, AutoPersist: true},
//	    Fields: map[string]string{"count": "count"},
//	})
type StateType struct {
	// Name is the type name embedded in every key. It must not contain ':'.
	Name string

	// New returns a fresh default instance. Instances are usually pointers so
	// that handlers can mutate the cached value in place.
	New func() any

	Config StateConfig

	// Codec encodes snapshots. Nil selects protojson for proto messages and
	// encoding/json otherwise.
	Codec Codec

	// Fields declares indexed snapshot fields as name to gjson path over the
	// encoded instance. Every snapshot is also indexed by "key" and "scope".
	Fields map[string]string
}

// Snapshot is the persisted form of a state instance.
type Snapshot struct {
	Key   StateKey        `json:"key"`
	Scope string          `json:"scope"`
	Data  json.RawMessage `json:"data"`
}

// JSONBytes exposes the encoded instance to store.JSONField extractors.
func (s *Snapshot) JSONBytes() []byte {
	return s.Data
}

// Clone implements store.Cloner.
func (s *Snapshot) Clone() any {
	out := *s
	out.Data = append(json.RawMessage(nil), s.Data...)
	return &out
}

// snapshotSchema is the store schema registered for an auto-persisted type.
func snapshotSchema(st StateType) store.Schema {
	fields := map[string]store.Extractor{
		"key":   store.FieldFunc(func(s *Snapshot) any { return string(s.Key) }),
		"scope": store.FieldFunc(func(s *Snapshot) any { return s.Scope }),
	}
	for name, path := range st.Fields {
		fields[name] = store.JSONField(path)
	}
	return store.Schema{
		Type:       st.Name,
		Fields:     fields,
		DefaultTTL: st.Config.TTL,
	}
}
