package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// Product is the catalog's view of a product.
type Product struct {
	ProductID     string          `json:"productId"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stockQuantity"`
}

// Products is the product service client.
type Products struct {
	api *upstream
}

// NewProducts returns a product service client.
func NewProducts(cfg Config) *Products {
	return &Products{api: newUpstream("product-service", cfg)}
}

// GetProduct returns ErrNotFound on HTTP 404 and ErrUpstream for any other failure.
func (p *Products) GetProduct(ctx context.Context, productID string) (Product, error) {
	r, err := p.api.do(ctx, request{
		method: http.MethodGet,
		path:   "/products/" + url.PathEscape(productID),
		retry:  true,
	})
	if err != nil {
		return Product{}, err
	}
	var product Product
	if err := p.api.decode(r, "product "+productID, &product); err != nil {
		return Product{}, err
	}
	return product, nil
}

// GetProducts fetches several products in one call. Unknown ids are simply
// absent from the result.
func (p *Products) GetProducts(ctx context.Context, productIDs []string) ([]Product, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	r, err := p.api.do(ctx, request{
		method:  http.MethodPost,
		path:    "/products/batch",
		payload: productIDs,
		retry:   true,
	})
	if err != nil {
		return nil, err
	}
	var products []Product
	if err := p.api.decode(r, "product batch", &products); err != nil {
		return nil, err
	}
	return products, nil
}

type stockChange struct {
	Quantity       int    `json:"quantity"`
	ReservationKey string `json:"reservationKey,omitempty"`
}

type stockConflict struct {
	Available *int `json:"available"`
}

// DecreaseStock asks the catalog to atomically decrement stock. A 409 comes
// back as *StockConflictError. Never retried automatically.
func (p *Products) DecreaseStock(ctx context.Context, productID string, quantity int, key string) error {
	r, err := p.api.do(ctx, request{
		method:  http.MethodPost,
		path:    "/products/" + url.PathEscape(productID) + "/decrease-stock",
		payload: stockChange{Quantity: quantity},
		headers: map[string]string{"Idempotency-Key": key},
	})
	if err != nil {
		return err
	}
	if r.status == http.StatusConflict {
		conflict := &StockConflictError{ProductID: productID, Requested: quantity}
		var body stockConflict
		if json.Unmarshal(r.body, &body) == nil && body.Available != nil {
			conflict.Available = *body.Available
		}
		return conflict
	}
	return p.api.decode(r, "decrease stock "+productID, nil)
}

// IncreaseStock gives stock back. reservationKey names the reserve being
// reversed; key deduplicates retries of this release.
func (p *Products) IncreaseStock(ctx context.Context, productID string, quantity int, key, reservationKey string) error {
	r, err := p.api.do(ctx, request{
		method:  http.MethodPost,
		path:    "/products/" + url.PathEscape(productID) + "/increase-stock",
		payload: stockChange{Quantity: quantity, ReservationKey: reservationKey},
		headers: map[string]string{"Idempotency-Key": key},
		retry:   true,
	})
	if err != nil {
		return err
	}
	return p.api.decode(r, "increase stock "+productID, nil)
}
