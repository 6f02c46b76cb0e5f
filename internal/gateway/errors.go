package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the upstream answered HTTP 404.
	ErrNotFound = errors.New("resource not found")
	// ErrUpstream covers timeouts, transport failures, 5xx, unexpected 4xx
	// and an open circuit.
	ErrUpstream = errors.New("upstream service error")
	// ErrInsufficientStock means the catalog rejected a decrement with HTTP 409.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// StockConflictError carries the catalog's view of available stock when it
// rejects a decrement.
type StockConflictError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientStock) match.
func (e *StockConflictError) Is(target error) bool {
	return target == ErrInsufficientStock
}
