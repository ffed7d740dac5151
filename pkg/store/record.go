package store

import (
	"time"
	"unicode"

	"google.golang.org/protobuf/proto"
)

// maxIDLength bounds entity ids; longer ids are rejected as malformed.
const maxIDLength = 255

// Record wraps one stored entity with its bookkeeping timestamps.
type Record struct {
	Type   string
	ID     string
	Entity any

	CreatedAt time.Time
	UpdatedAt time.Time

	// ExpiresAt is nil for records that never expire.
	ExpiresAt *time.Time

	AccessCount  int64
	LastAccessed time.Time
}

// IsExpired reports whether the record has an expiry that lies before now.
// Lazy purges on read and the background sweep both use this predicate.
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// TTL returns the remaining lifetime, or 0 when the record never expires.
func (r *Record) TTL(now time.Time) time.Duration {
	if r.ExpiresAt == nil {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// snapshot returns a copy that callers may keep without racing the store.
func (r *Record) snapshot() *Record {
	out := *r
	out.Entity = cloneEntity(r.Entity)
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// Cloner is implemented by entities that know how to deep-copy themselves.
type Cloner interface {
	Clone() any
}

// cloneEntity copies proto messages and Cloner values so that the stored
// entity and the caller's value never alias. Other values are kept as given.
func cloneEntity(v any) any {
	switch e := v.(type) {
	case nil:
		return nil
	case proto.Message:
		return proto.Clone(e)
	case Cloner:
		return e.Clone()
	case []byte:
		out := make([]byte, len(e))
		copy(out, e)
		return out
	default:
		return v
	}
}

func validateType(typeName string) error {
	if typeName == "" {
		return &ValidationError{Field: "type", Message: "type name is required"}
	}
	return nil
}

// validateID checks an id supplied by the caller. Empty ids are allowed only
// when allowEmpty is set (Save assigns one).
func validateID(id string, allowEmpty bool) error {
	if id == "" {
		if allowEmpty {
			return nil
		}
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if len(id) > maxIDLength {
		return &ValidationError{Field: "id", Message: "id exceeds 255 bytes"}
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return &ValidationError{Field: "id", Message: "id contains control characters"}
		}
	}
	return nil
}

func validateEntity(entity any) error {
	if entity == nil {
		return &ValidationError{Field: "entity", Message: "entity is nil"}
	}
	if m, ok := entity.(proto.Message); ok && !m.ProtoReflect().IsValid() {
		return &ValidationError{Field: "entity", Message: "entity is a nil message"}
	}
	return nil
}
