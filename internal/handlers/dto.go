package handlers

import (
	"time"

	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

// OrderItemResponse is one order line on the wire.
type OrderItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// OrderResponse is the order representation returned by every order route.
type OrderResponse struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	Address        string              `json:"address"`
	DeliveryMethod string              `json:"delivery_method"`
	Status         string              `json:"status"`
	TotalAmount    string              `json:"total_amount"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Items          []OrderItemResponse `json:"items"`
}

func toResponse(o orders.Order) OrderResponse {
	items := make([]OrderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
		})
	}
	return OrderResponse{
		ID:             o.ID,
		UserID:         o.UserID,
		Address:        o.Address,
		DeliveryMethod: o.DeliveryMethod,
		Status:         string(o.Status),
		TotalAmount:    o.TotalAmount.StringFixed(2),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		Items:          items,
	}
}

func toResponses(list []orders.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toResponse(o))
	}
	return out
}
