package validation

// OrderItemRequest is one requested order line.
type OrderItemRequest struct {
	ProductID string `json:"product_id" validate:"required,notblank"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	Address        string             `json:"address" validate:"required,notblank"`
	DeliveryMethod string             `json:"delivery_method" validate:"required,notblank"`
	Items          []OrderItemRequest `json:"items" validate:"required,min=1,max=99,dive"`
}
