package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStockIntegrity    = errors.New("stock integrity violation")
	ErrInvalidState      = errors.New("invalid state")
	ErrConcurrency       = errors.New("concurrency conflict")
	ErrDuplicate         = errors.New("duplicate")
	// ErrSerialization marks a store-level serialization failure or deadlock.
	// It is retried by the caller and never reaches API clients directly.
	ErrSerialization = errors.New("serialization failure")
)

type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field string, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: need %d more units (requested %d, available %d)",
		e.ProductID, e.Shortfall(), e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type StockIntegrityError struct {
	ProductID int64
	Detail    string
}

func (e *StockIntegrityError) Error() string {
	return fmt.Sprintf("stock integrity violation on product %d: %s", e.ProductID, e.Detail)
}

func (e *StockIntegrityError) Unwrap() error { return ErrStockIntegrity }

type InvalidStateError struct {
	Entity string
	ID     int64
	State  string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %d in state %s", e.Action, e.Entity, e.ID, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

type ConcurrencyError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConcurrencyError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: concurrent update conflict after %d attempts, retry later", e.Op, e.Attempts)
	}
	return fmt.Sprintf("%s: resource busy, retry later", e.Op)
}

// Unwrap lets callers match both ErrConcurrency and the underlying cause.
func (e *ConcurrencyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConcurrency}
	}
	return []error{ErrConcurrency, e.Err}
}

// Kind returns the stable error kind reported to callers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrStockIntegrity):
		return "stock_integrity_error"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConcurrency):
		return "concurrency_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	default:
		return "internal_error"
	}
}
