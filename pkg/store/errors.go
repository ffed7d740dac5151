package store

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrTxInactive is returned when a transaction has already been committed or rolled back.
	ErrTxInactive = errors.New("transaction is not active")

	// ErrTxUnknown is returned when a transaction was not begun on this backend.
	ErrTxUnknown = errors.New("unknown transaction")

	// ErrCapacityExceeded is returned when a save would grow the store past its entity limit.
	ErrCapacityExceeded = errors.New("entity capacity exceeded")

	// ErrBackendNotFound is returned by Backends.Get for unregistered names.
	ErrBackendNotFound = errors.New("persistence backend not registered")
)

// ValidationError reports a malformed argument to a single operation.
// It is fatal to that operation and never retried.
type ValidationError struct {
	// Field is the argument that failed validation (type, id, entity)
	Field string

	// Message provides additional context
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// TransactionError represents a failed commit or rollback, or a write buffered
// into a transaction that can no longer accept it. The caller must begin a new
// transaction.
type TransactionError struct {
	// TxID is the transaction identifier (empty if the tx was nil)
	TxID string

	// Op is the operation that failed: buffer, commit or rollback
	Op string

	// Cause is the underlying error
	Cause error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s: %s failed: %v", e.TxID, e.Op, e.Cause)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// IsValidationError returns true if err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransactionError returns true if err is or wraps a *TransactionError.
func IsTransactionError(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}
