package scope

import (
	"errors"
	"fmt"
)

// Resolution errors. They are fatal to the request and never retried.
var (
	// ErrUnknownStateType is returned for a type name that was never registered.
	ErrUnknownStateType = errors.New("unknown state type")

	// ErrDuplicateStateType is returned when a type name is registered twice.
	ErrDuplicateStateType = errors.New("state type already registered")

	// ErrMissingScopeContext is returned when the request context lacks the id
	// the type's scope is keyed on.
	ErrMissingScopeContext = errors.New("missing scope context")

	// ErrAuthentication is returned when a type requires permissions or roles
	// and the caller is not authenticated.
	ErrAuthentication = errors.New("authentication required")

	// ErrAuthorization is returned when the caller lacks a required permission
	// or role.
	ErrAuthorization = errors.New("not authorized")
)

// ResolveError wraps a failure to resolve one state type.
type ResolveError struct {
	// Type is the requested state type name
	Type string

	// Key is the computed key, empty if resolution failed before it was known
	Key StateKey

	// Cause is the underlying error
	Cause error
}

func (e *ResolveError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("resolve %s (%s): %v", e.Type, e.Key, e.Cause)
	}
	return fmt.Sprintf("resolve %s: %v", e.Type, e.Cause)
}

func (e *ResolveError) Unwrap() error {
	return e.Cause
}

// IsResolveError returns true if err is or wraps a *ResolveError.
func IsResolveError(err error) bool {
	var re *ResolveError
	return errors.As(err, &re)
}
