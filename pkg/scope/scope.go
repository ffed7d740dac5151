// Package scope computes hierarchical state keys from request context and
// resolves live state instances: cached in process, hydrated from a
// persistence backend, or freshly constructed.
package scope

import (
	"fmt"
	"strings"
)

// Scope defines how widely a state instance is shared.
type Scope int

const (
	// Global state has one instance per process.
	// Key = global:{Type}
	Global Scope = iota

	// Session state has one instance per browser session.
	// Key = session:{sessionID}:{Type}
	Session

	// User state has one instance per authenticated user.
	// Key = user:{userID}:{Type}
	User

	// Component state has one instance per component mounted in a session.
	// Key = component:{sessionID}:{componentID}:{Type}
	Component

	// Record state has one instance per domain record.
	// Key = record:{Type}:{recordID}:{Type}
	Record
)

var scopeNames = [...]string{
	Global:    "global",
	Session:   "session",
	User:      "user",
	Component: "component",
	Record:    "record",
}

func (s Scope) String() string {
	if s < 0 || int(s) >= len(scopeNames) {
		return fmt.Sprintf("scope(%d)", int(s))
	}
	return scopeNames[s]
}

// ParseScope parses a scope name, case-insensitively.
func ParseScope(name string) (Scope, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range scopeNames {
		if n == candidate {
			return Scope(i), nil
		}
	}
	return 0, fmt.Errorf("unknown scope %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(scopeNames) {
		return nil, fmt.Errorf("unknown scope %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
