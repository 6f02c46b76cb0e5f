// Package intents is the durable log of stock side effects an order has asked
// the product catalog to perform. Every reserve (decrease) and release
// (increase) is recorded before it is attempted so a crash or an unreachable
// catalog never loses track of stock that must be given back.
package intents

import (
	"fmt"
	"time"
)

// Kind is the direction of a stock side effect.
type Kind string

const (
	KindReserve Kind = "RESERVE"
	KindRelease Kind = "RELEASE"
)

// State is the lifecycle position of an intent.
type State string

const (
	StatePending   State = "PENDING"
	StateCommitted State = "COMMITTED"
	StateFailed    State = "FAILED"
	StateAborted   State = "ABORTED"
)

// Intent is the item stored in the intents table.
type Intent struct {
	IntentID       string    `dynamodbav:"intent_id"` // PK: <orderID>#<line>#<kind>
	OrderID        string    `dynamodbav:"order_id"`
	Line           int       `dynamodbav:"line"`
	ProductID      string    `dynamodbav:"product_id"`
	Quantity       int       `dynamodbav:"quantity"`
	Kind           Kind      `dynamodbav:"kind"`
	State          State     `dynamodbav:"state"`
	ReservationKey string    `dynamodbav:"reservation_key,omitempty"` // RELEASE only: the RESERVE it reverses
	Attempts       int       `dynamodbav:"attempts"`
	Note           string    `dynamodbav:"note,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
}

// ID builds the deterministic intent id. It doubles as the Idempotency-Key
// sent to the catalog.
func ID(orderID string, line int, kind Kind) string {
	return fmt.Sprintf("%s#%d#%s", orderID, line, kind)
}

// NewReserve returns a PENDING reserve intent for one order line.
func NewReserve(orderID string, line int, productID string, quantity int, now time.Time) Intent {
	return Intent{
		IntentID:  ID(orderID, line, KindReserve),
		OrderID:   orderID,
		Line:      line,
		ProductID: productID,
		Quantity:  quantity,
		Kind:      KindReserve,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRelease returns the PENDING release intent that reverses reserve.
func NewRelease(reserve Intent, now time.Time) Intent {
	return Intent{
		IntentID:       ID(reserve.OrderID, reserve.Line, KindRelease),
		OrderID:        reserve.OrderID,
		Line:           reserve.Line,
		ProductID:      reserve.ProductID,
		Quantity:       reserve.Quantity,
		Kind:           KindRelease,
		State:          StatePending,
		ReservationKey: reserve.IntentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewLateRelease returns a release for a reserve that the catalog applied
// after its order had already been cancelled and released.
func NewLateRelease(reserve Intent, now time.Time) Intent {
	rel := NewRelease(reserve, now)
	rel.IntentID += "#LATE"
	return rel
}

// Settled reports whether the intent needs no further work.
func (i Intent) Settled() bool {
	return i.State == StateCommitted || i.State == StateAborted
}

// Reserves filters the RESERVE intents out of list.
func Reserves(list []Intent) []Intent {
	var out []Intent
	for _, in := range list {
		if in.Kind == KindReserve {
			out = append(out, in)
		}
	}
	return out
}
