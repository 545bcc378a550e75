/*
errors.go - Centralized error types for the inventory ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every operation returns one of these as a value; nothing panics past
  the operation boundary, so the ledger is callable from a stateless
  request handler.

ERROR CATEGORIES:
  1. Identity errors   - NotAuthenticated, Unauthorized
  2. Lookup errors     - NotFound
  3. Business errors   - Validation, InsufficientStock, Conflict
  4. Storage errors    - Opaque wrapper around driver failures

USAGE:
  Callers branch with errors.Is on the sentinel, or errors.As on the
  structured type when they need the details:

    var short *inventory.InsufficientStockError
    if errors.As(err, &short) {
        fmt.Printf("only %s %s left\n", short.Available, short.Unit)
    }

SEE ALSO:
  - ledger.go: Raises InsufficientStock and Conflict
  - access.go: Raises NotAuthenticated and Unauthorized
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotAuthenticated is returned when no principal accompanies a call.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnauthorized is returned when the principal's role or project does
	// not grant the operation on the store.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a store, product, purchase or issue id
	// does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input or a store-type rule
	// violation.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock is returned when an issue exceeds the balance.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict is returned when current state blocks the operation,
	// e.g. deleting a store that still holds stock.
	ErrConflict = errors.New("conflict")

	// ErrStorage is returned when the underlying storage fails.
	ErrStorage = errors.New("storage failure")

	// ErrDuplicateRequest is returned by repositories when a request id is
	// already recorded. The ledger turns it into a replay of the original.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// Kind names an error category on the wire.
type Kind string

const (
	KindNotAuthenticated  Kind = "NotAuthenticated"
	KindUnauthorized      Kind = "Unauthorized"
	KindNotFound          Kind = "NotFound"
	KindValidation        Kind = "ValidationError"
	KindInsufficientStock Kind = "InsufficientStockError"
	KindConflict          Kind = "ConflictError"
	KindStorage           Kind = "StorageError"
)

// KindOf classifies err. Anything unrecognised is a storage failure.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindStorage
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	StoreID   string
	ProductID string
	Available decimal.Decimal
	Requested decimal.Decimal
	Unit      string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available %s %s, requested %s %s",
		e.Available.String(), e.Unit, e.Requested.String(), e.Unit)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ConflictError explains which state blocked the operation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Unwrap() error { return ErrConflict }

func conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// UnauthorizedError records the denied capability.
type UnauthorizedError struct {
	Role      Role
	Operation Operation
	StoreID   string
}

func (e *UnauthorizedError) Error() string {
	if e.StoreID == "" {
		return fmt.Sprintf("role %s may not %s", e.Role, e.Operation)
	}
	return fmt.Sprintf("role %s may not %s on store %s", e.Role, e.Operation, e.StoreID)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// StorageError wraps a driver failure. Its message is opaque; the cause is
// kept for logging via errors.Unwrap.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage failure during " + e.Op }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// WrapStorage wraps err as a StorageError unless it already carries a
// ledger kind.
func WrapStorage(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrDuplicateRequest)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input or
// the current state, as opposed to infrastructure.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInsufficientStock, KindConflict, KindNotFound:
		return true
	}
	return false
}
