package scope

import "sync"

// Session store keys written by the resolver.
const (
	// SessionIDKey holds the session id generated for callers that arrive
	// without one.
	SessionIDKey = "livestate:session_id"

	// SessionKeyPrefix prefixes the per-type entries recording which key a
	// session-scoped type resolved to.
	SessionKeyPrefix = "livestate:key:"
)

// RequestContext carries the ids a request supplies for key computation.
// The route layer fills it from cookies, path and query parameters.
type RequestContext struct {
	SessionID string

	// UserID is honoured only when the resolver has no AuthProvider. With a
	// provider it must be empty or equal the authenticated user.
	UserID string

	ComponentID string
	RecordID    string

	// Session is the caller's session store. Optional; when set the resolver
	// recovers and records session ids and session-scoped keys in it.
	Session SessionStore
}

// SessionStore is the per-session key/value store owned by the web layer.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// MapSession is an in-memory SessionStore.
type MapSession struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapSession creates an empty MapSession.
func NewMapSession() *MapSession {
	return &MapSession{values: make(map[string]string)}
}

func (s *MapSession) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MapSession) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
}
