package fulfillment

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories the orchestrator reports.
type Kind string

const (
	KindUserNotFound            Kind = "USER_NOT_FOUND"
	KindProductNotFound         Kind = "PRODUCT_NOT_FOUND"
	KindProductUnavailable      Kind = "PRODUCT_UNAVAILABLE"
	KindInsufficientStock       Kind = "INSUFFICIENT_STOCK"
	KindOrderNotFound           Kind = "ORDER_NOT_FOUND"
	KindValidation              Kind = "VALIDATION_ERROR"
	KindInvalidStatusTransition Kind = "INVALID_STATUS_TRANSITION"
	KindUpstream                Kind = "UPSTREAM_SERVICE_ERROR"
	KindStockUpdateFailed       Kind = "STOCK_UPDATE_FAILED"
	KindInternal                Kind = "INTERNAL"
)

// Error is a classified orchestrator failure. Only the fields relevant to
// Kind are populated.
type Error struct {
	Kind      Kind
	Message   string
	ProductID string
	Available int
	Requested int
	Fields    map[string]string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Anything that is not an *Error is KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// NewValidationError reports malformed input as a field → message map.
func NewValidationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "request validation failed", Fields: fields}
}

func userNotFound(userID string) *Error {
	return &Error{Kind: KindUserNotFound, Message: fmt.Sprintf("user %s not found", userID)}
}

func productNotFound(productID string) *Error {
	return &Error{Kind: KindProductNotFound, Message: fmt.Sprintf("product %s not found", productID), ProductID: productID}
}

func productUnavailable(productID string) *Error {
	return &Error{Kind: KindProductUnavailable, Message: fmt.Sprintf("product %s is out of stock", productID), ProductID: productID}
}

func insufficientStock(productID string, available, requested int) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", productID, available, requested),
		ProductID: productID,
		Available: available,
		Requested: requested,
	}
}

func orderNotFound(orderID string) *Error {
	return &Error{Kind: KindOrderNotFound, Message: fmt.Sprintf("order %s not found", orderID)}
}

func invalidTransition(msg string) *Error {
	return &Error{Kind: KindInvalidStatusTransition, Message: msg}
}

func upstreamFailure(op string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: op + " failed", Err: err}
}

func stockUpdateFailed(msg string, err error) *Error {
	return &Error{Kind: KindStockUpdateFailed, Message: msg, Err: err}
}

func internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: op, Err: err}
}
