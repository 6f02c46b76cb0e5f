package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the closed set of order lifecycle states.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// MaxItems caps the lines of one order. Saving writes the order and one
// intent per line in a single transaction, which DynamoDB limits to 100 actions.
const MaxItems = 99

// ErrUnknownStatus is returned by ParseStatus for values outside the enum.
var ErrUnknownStatus = errors.New("unknown order status")

var transitions = map[Status][]Status{
	StatusCreated:    {StatusPending, StatusProcessing, StatusCancelled},
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusCreated, StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled}
}

// ParseStatus accepts any casing and returns the canonical status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Staying in the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// OrderItem is one line of an order with the price captured at creation.
type OrderItem struct {
	ID        string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal is UnitPrice × Quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is the order aggregate: header plus its items.
type Order struct {
	ID             string
	UserID         string
	Address        string
	DeliveryMethod string
	Status         Status
	TotalAmount    decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Items          []OrderItem
}

// ComputeTotal sums the item subtotals.
func (o Order) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// orderRecord is the shape persisted in the orders table. Money is stored as
// decimal strings.
type orderRecord struct {
	OrderID        string       `dynamodbav:"order_id"` // PK
	UserID         string       `dynamodbav:"user_id"`
	Address        string       `dynamodbav:"address"`
	DeliveryMethod string       `dynamodbav:"delivery_method"`
	Status         string       `dynamodbav:"status"`
	TotalAmount    string       `dynamodbav:"total_amount"`
	Items          []itemRecord `dynamodbav:"items"`
	CreatedAt      time.Time    `dynamodbav:"created_at"`
	UpdatedAt      time.Time    `dynamodbav:"updated_at"`
}

type itemRecord struct {
	ItemID    string `dynamodbav:"order_item_id"`
	ProductID string `dynamodbav:"product_id"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price"`
}

func toRecord(o Order) orderRecord {
	rec := orderRecord{
		OrderID:        o.ID,
		UserID:         o.UserID,
		Address:        o.Address,
		DeliveryMethod: o.DeliveryMethod,
		Status:         string(o.Status),
		TotalAmount:    o.TotalAmount.String(),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		Items:          make([]itemRecord, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		rec.Items = append(rec.Items, itemRecord{
			ItemID:    it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.String(),
		})
	}
	return rec
}

func (r orderRecord) toOrder() (Order, error) {
	total, err := decimal.NewFromString(r.TotalAmount)
	if err != nil {
		return Order{}, fmt.Errorf("order %s total_amount: %w", r.OrderID, err)
	}
	o := Order{
		ID:             r.OrderID,
		UserID:         r.UserID,
		Address:        r.Address,
		DeliveryMethod: r.DeliveryMethod,
		Status:         Status(r.Status),
		TotalAmount:    total,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Items:          make([]OrderItem, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return Order{}, fmt.Errorf("order %s item %s unit_price: %w", r.OrderID, it.ItemID, err)
		}
		o.Items = append(o.Items, OrderItem{
			ID:        it.ItemID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: price,
		})
	}
	return o, nil
}
