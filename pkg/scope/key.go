package scope

import (
	"fmt"
	"strings"
)

// StateKey identifies one state instance within its scope, for example
// "session:abc123:Counter".
type StateKey string

func (k StateKey) String() string {
	return string(k)
}

// TypeName returns the state type name, the last segment of the key.
func (k StateKey) TypeName() string {
	s := string(k)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Scope returns the scope encoded in the key's first segment.
func (k StateKey) Scope() (Scope, error) {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return ParseScope(s)
}

var discriminatorEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// escape makes a discriminator safe to embed between colons, so that
// "a:b" + "c" and "a" + "b:c" never produce the same key.
func escape(v string) string {
	return discriminatorEscaper.Replace(v)
}

// KeyFor computes the key for typeName under s using the ids already present
// in rc. It never consults a session store or auth provider; Resolver does
// that before calling it.
func KeyFor(s Scope, typeName string, rc RequestContext) (StateKey, error) {
	if err := validateTypeName(typeName); err != nil {
		return "", err
	}

	switch s {
	case Global:
		return StateKey("global:" + typeName), nil

	case Session:
		if rc.SessionID == "" {
			return "", missing(s, "session id")
		}
		return StateKey("session:" + escape(rc.SessionID) + ":" + typeName), nil

	case User:
		if rc.UserID == "" {
			return "", missing(s, "user id")
		}
		return StateKey("user:" + escape(rc.UserID) + ":" + typeName), nil

	case Component:
		if rc.SessionID == "" {
			return "", missing(s, "session id")
		}
		if rc.ComponentID == "" {
			return "", missing(s, "component id")
		}
		return StateKey("component:" + escape(rc.SessionID) + ":" + escape(rc.ComponentID) + ":" + typeName), nil

	case Record:
		if rc.RecordID == "" {
			return "", missing(s, "record id")
		}
		// The type appears twice: once as the record's namespace, once as the
		// trailing type segment every key ends with.
		return StateKey("record:" + typeName + ":" + escape(rc.RecordID) + ":" + typeName), nil

	default:
		return "", fmt.Errorf("unknown scope %d", int(s))
	}
}

func missing(s Scope, what string) error {
	return fmt.Errorf("%w: %s scope requires a %s", ErrMissingScopeContext, s, what)
}

func validateTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("state type name is required")
	}
	if strings.ContainsAny(name, ":%") {
		return fmt.Errorf("state type name %q must not contain ':' or '%%'", name)
	}
	return nil
}
