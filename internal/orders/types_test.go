package orders

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"CREATED":    StatusCreated,
		"cancelled":  StatusCancelled,
		" Shipped ":  StatusShipped,
		"processing": StatusProcessing,
	}
	for raw, want := range cases {
		got, err := ParseStatus(raw)
		if err != nil {
			t.Fatalf("ParseStatus(%q) error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseStatus(%q) = %s, want %s", raw, got, want)
		}
	}

	for _, raw := range []string{"", "COMPLETED", "canceled", "FAILED"} {
		if _, err := ParseStatus(raw); !errors.Is(err, ErrUnknownStatus) {
			t.Fatalf("ParseStatus(%q) expected ErrUnknownStatus, got %v", raw, err)
		}
	}
}

func TestCanTransitionTo(t *testing.T) {
	allowed := [][2]Status{
		{StatusCreated, StatusPending},
		{StatusCreated, StatusProcessing},
		{StatusCreated, StatusCancelled},
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusShipped},
		{StatusProcessing, StatusCancelled},
		{StatusShipped, StatusDelivered},
		{StatusCancelled, StatusCancelled},
		{StatusDelivered, StatusDelivered},
	}
	for _, tr := range allowed {
		if !tr[0].CanTransitionTo(tr[1]) {
			t.Fatalf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}

	denied := [][2]Status{
		{StatusCancelled, StatusCreated},
		{StatusCancelled, StatusProcessing},
		{StatusDelivered, StatusCancelled},
		{StatusShipped, StatusCancelled},
		{StatusShipped, StatusCreated},
		{StatusPending, StatusCreated},
	}
	for _, tr := range denied {
		if tr[0].CanTransitionTo(tr[1]) {
			t.Fatalf("%s -> %s should be denied", tr[0], tr[1])
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range Statuses() {
		want := s == StatusDelivered || s == StatusCancelled
		if s.IsTerminal() != want {
			t.Fatalf("%s terminal = %v, want %v", s, s.IsTerminal(), want)
		}
	}
}

func TestComputeTotal(t *testing.T) {
	o := Order{Items: []OrderItem{
		{ProductID: "A", Quantity: 2, UnitPrice: decimal.RequireFromString("50.00")},
		{ProductID: "B", Quantity: 1, UnitPrice: decimal.RequireFromString("75.00")},
	}}
	if got := o.ComputeTotal(); !got.Equal(decimal.RequireFromString("175.00")) {
		t.Fatalf("expected 175.00, got %s", got)
	}
	if got := (Order{}).ComputeTotal(); !got.IsZero() {
		t.Fatalf("empty order total should be zero, got %s", got)
	}
}
