package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/gateway"
	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

// LineRequest is one requested order line.
type LineRequest struct {
	ProductID string
	Quantity  int
}

// CreateOrderCommand is the input of CreateOrder.
type CreateOrderCommand struct {
	UserID         string
	Address        string
	DeliveryMethod string
	Items          []LineRequest
}

func (cmd CreateOrderCommand) validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(cmd.UserID) == "" {
		fields["user_id"] = "is required"
	}
	if strings.TrimSpace(cmd.Address) == "" {
		fields["address"] = "is required"
	}
	if strings.TrimSpace(cmd.DeliveryMethod) == "" {
		fields["delivery_method"] = "is required"
	}
	switch {
	case len(cmd.Items) == 0:
		fields["items"] = "must contain at least one item"
	case len(cmd.Items) > orders.MaxItems:
		fields["items"] = fmt.Sprintf("must contain at most %d items", orders.MaxItems)
	}
	for i, line := range cmd.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			fields[fmt.Sprintf("items[%d].product_id", i)] = "is required"
		}
		if line.Quantity < 1 {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must be at least 1"
		}
	}
	if len(fields) > 0 {
		return NewValidationError(fields)
	}
	return nil
}

// CreateOrder confirms the user, checks and prices every line in one catalog
// pass, persists the order with a RESERVE intent per line and then decrements
// stock line by line. If a decrement fails the order is cancelled and every
// reserve that may have been applied is released.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (orders.Order, error) {
	if err := cmd.validate(); err != nil {
		return orders.Order{}, err
	}
	if err := s.ensureUser(ctx, cmd.UserID); err != nil {
		return orders.Order{}, err
	}

	snapshot, err := s.checkStock(ctx, cmd.Items)
	if err != nil {
		return orders.Order{}, err
	}

	now := s.clock()
	order := orders.Order{
		ID:             s.newID(),
		UserID:         cmd.UserID,
		Address:        strings.TrimSpace(cmd.Address),
		DeliveryMethod: strings.TrimSpace(cmd.DeliveryMethod),
		Status:         orders.StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	reserves := make([]intents.Intent, 0, len(cmd.Items))
	for line, req := range cmd.Items {
		order.Items = append(order.Items, orders.OrderItem{
			ID:        s.newID(),
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			UnitPrice: snapshot[req.ProductID].Price,
		})
		reserves = append(reserves, intents.NewReserve(order.ID, line, req.ProductID, req.Quantity, now))
	}
	order.TotalAmount = order.ComputeTotal()

	saved, err := s.orders.Save(ctx, order, reserves...)
	if err != nil {
		return orders.Order{}, internal("persist order", err)
	}

	logger := s.logger.With(zap.String("order_id", saved.ID), zap.String("user_id", saved.UserID))
	if err := s.reserveStock(ctx, saved, reserves); err != nil {
		logger.Warn("order creation failed during stock reservation", zap.Error(err))
		return orders.Order{}, err
	}

	logger.Info("order created",
		zap.String("total_amount", saved.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(saved.Items)))
	return saved, nil
}

// checkStock fetches every requested product once and verifies availability
// against the summed quantity per product. The returned snapshot is the
// source of the unit prices stored with the order.
func (s *Service) checkStock(ctx context.Context, lines []LineRequest) (map[string]gateway.Product, error) {
	var ids []string
	needed := map[string]int{}
	for _, line := range lines {
		if _, ok := needed[line.ProductID]; !ok {
			ids = append(ids, line.ProductID)
		}
		needed[line.ProductID] += line.Quantity
	}

	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, upstreamFailure("product lookup", err)
	}
	byID := make(map[string]gateway.Product, len(products))
	for _, p := range products {
		byID[p.ProductID] = p
	}

	for _, id := range ids {
		p, ok := byID[id]
		switch {
		case !ok:
			return nil, productNotFound(id)
		case p.StockQuantity <= 0:
			return nil, productUnavailable(id)
		case p.StockQuantity < needed[id]:
			return nil, insufficientStock(id, p.StockQuantity, needed[id])
		}
	}
	return byID, nil
}

// reserveStock issues one keyed decrement per line and unwinds on the first failure.
func (s *Service) reserveStock(ctx context.Context, order orders.Order, reserves []intents.Intent) error {
	for i := range reserves {
		in := &reserves[i]
		err := s.catalog.DecreaseStock(ctx, in.ProductID, in.Quantity, in.IntentID)
		if err == nil {
			if mErr := s.intents.MarkCommitted(ctx, in.IntentID); mErr != nil {
				if errors.Is(mErr, intents.ErrAborted) {
					// the order was abandoned while this decrement was in flight
					return s.releaseLate(ctx, *in)
				}
				// the decrement happened but is not on record; treat the order as failed
				in.State = intents.StateFailed
				s.unwindCreate(ctx, order, reserves, i)
				return stockUpdateFailed("stock reservation could not be recorded", mErr)
			}
			in.State = intents.StateCommitted
			continue
		}

		insufficient := errors.Is(err, gateway.ErrInsufficientStock)
		if insufficient || errors.Is(err, gateway.ErrNotFound) {
			s.markAborted(ctx, in, err.Error())
		} else {
			in.State = intents.StateFailed
			if mErr := s.intents.MarkFailed(ctx, in.IntentID, err.Error()); mErr != nil {
				s.logger.Error("intent update failed", zap.String("intent_id", in.IntentID), zap.Error(mErr))
			}
		}
		s.unwindCreate(ctx, order, reserves, i)

		if insufficient {
			available := 0
			var conflict *gateway.StockConflictError
			if errors.As(err, &conflict) {
				available = conflict.Available
			}
			return insufficientStock(in.ProductID, available, in.Quantity)
		}
		return stockUpdateFailed(fmt.Sprintf("stock decrement failed for product %s", in.ProductID), err)
	}
	return nil
}

// releaseLate gives back a decrement that landed after its reserve was aborted
// and released. The earlier release ran before the reservation existed, so a
// fresh one is recorded under its own key.
func (s *Service) releaseLate(ctx context.Context, reserve intents.Intent) error {
	late := intents.NewLateRelease(reserve, s.clock())
	s.logger.Warn("stock decremented for an abandoned order",
		zap.String("order_id", reserve.OrderID), zap.String("intent_id", reserve.IntentID))
	if err := s.intents.Put(ctx, late); err != nil {
		s.logger.Error("failed to record late release",
			zap.String("intent_id", late.IntentID), zap.Error(err))
		return stockUpdateFailed("order was cancelled during creation", err)
	}
	_ = s.release(ctx, late, true)
	return stockUpdateFailed("order was cancelled during creation", intents.ErrAborted)
}

// unwindCreate aborts the reserves after the failing line and cancels the order.
func (s *Service) unwindCreate(ctx context.Context, order orders.Order, reserves []intents.Intent, failed int) {
	for i := failed + 1; i < len(reserves); i++ {
		s.markAborted(ctx, &reserves[i], "not attempted")
	}
	_ = s.abandon(ctx, order, reserves)
}

func (s *Service) markAborted(ctx context.Context, in *intents.Intent, note string) {
	in.State = intents.StateAborted
	if err := s.intents.MarkAborted(ctx, in.IntentID, note); err != nil {
		s.logger.Error("intent update failed", zap.String("intent_id", in.IntentID), zap.Error(err))
	}
}
