package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

// UpdateOrderStatus moves an order along the transition table. Moving to
// CANCELLED records a RELEASE per reserve in the same write and then gives
// the stock back. Requesting the current status is a no-op.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID, rawStatus string) (orders.Order, error) {
	next, err := orders.ParseStatus(rawStatus)
	if err != nil {
		return orders.Order{}, NewValidationError(map[string]string{"status": "must be one of " + statusList()})
	}

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return orders.Order{}, internal("load order", err)
	}
	if current == nil {
		return orders.Order{}, orderNotFound(orderID)
	}
	order := *current
	if order.Status == next {
		return order, nil
	}
	if !order.Status.CanTransitionTo(next) {
		return orders.Order{}, invalidTransition(fmt.Sprintf("cannot move order from %s to %s", order.Status, next))
	}

	var reserves, releases []intents.Intent
	if next == orders.StatusCancelled {
		logged, err := s.intents.ListByOrder(ctx, order.ID)
		if err != nil {
			return orders.Order{}, internal("load stock intents", err)
		}
		reserves = intents.Reserves(logged)
		if s.reserving(reserves) {
			return orders.Order{}, invalidTransition(fmt.Sprintf("order %s is still reserving stock; retry later", order.ID))
		}
		releases = s.releasesFor(reserves)
	}

	if err := s.orders.TransitionStatus(ctx, order.ID, order.Status, next, releases...); err != nil {
		if errors.Is(err, orders.ErrStatusMismatch) {
			return orders.Order{}, invalidTransition(fmt.Sprintf("order %s changed status concurrently", order.ID))
		}
		return orders.Order{}, internal("update order status", err)
	}
	previous := order.Status
	order.Status = next
	order.UpdatedAt = s.clock()
	s.logger.Info("order status updated",
		zap.String("order_id", order.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(next)))

	if next != orders.StatusCancelled {
		return order, nil
	}

	s.settleReserves(ctx, reserves)
	if failed := s.compensate(ctx, releases, true); failed > 0 {
		s.logger.Warn("order cancelled with pending stock compensation",
			zap.String("order_id", order.ID), zap.Int("failed_releases", failed))
		if s.policy == PolicyStrict {
			return order, stockUpdateFailed(fmt.Sprintf("%d stock release(s) failed for order %s", failed, order.ID), nil)
		}
	}
	return order, nil
}

// reserving reports whether a create may still be decrementing stock for
// these reserves. Older PENDING reserves belong to the reconciler.
func (s *Service) reserving(reserves []intents.Intent) bool {
	cutoff := s.clock().Add(-s.reserveGrace)
	for _, in := range reserves {
		if in.State == intents.StatePending && in.UpdatedAt.After(cutoff) {
			return true
		}
	}
	return false
}

// DeleteOrder removes an order the user owns once it reached a terminal status.
func (s *Service) DeleteOrder(ctx context.Context, orderID, userID string) error {
	o, err := s.orders.FindByIDAndUser(ctx, orderID, userID)
	if err != nil {
		return internal("load order", err)
	}
	if o == nil {
		return orderNotFound(orderID)
	}
	if !o.Status.IsTerminal() {
		return invalidTransition(fmt.Sprintf("order in status %s cannot be deleted; cancel it first", o.Status))
	}
	if err := s.orders.Delete(ctx, orderID); err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return orderNotFound(orderID)
		}
		return internal("delete order", err)
	}
	s.logger.Info("order deleted", zap.String("order_id", orderID), zap.String("user_id", userID))
	return nil
}
