package fulfillment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

// CompensationMessage is queued when a release could not be applied inline.
type CompensationMessage struct {
	IntentID  string `json:"intent_id"`
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// releasesFor builds one RELEASE per reserve that may have touched stock.
func (s *Service) releasesFor(reserves []intents.Intent) []intents.Intent {
	now := s.clock()
	var out []intents.Intent
	for _, in := range reserves {
		if in.Kind != intents.KindReserve || in.State == intents.StateAborted {
			continue
		}
		out = append(out, intents.NewRelease(in, now))
	}
	return out
}

// abandon cancels an order whose reservation did not complete and gives back
// whatever stock it may hold.
func (s *Service) abandon(ctx context.Context, order orders.Order, reserves []intents.Intent) error {
	releases := s.releasesFor(reserves)
	if err := s.orders.TransitionStatus(ctx, order.ID, order.Status, orders.StatusCancelled, releases...); err != nil {
		s.logger.Error("failed to cancel order after reservation failure",
			zap.String("order_id", order.ID), zap.Error(err))
		return err
	}
	s.settleReserves(ctx, reserves)
	s.count(ctx, MetricOrderAbandoned, nil)
	s.compensate(ctx, releases, true)
	return nil
}

// settleReserves aborts reserves that are neither committed nor aborted. Their
// releases, if any, now carry the work.
func (s *Service) settleReserves(ctx context.Context, reserves []intents.Intent) {
	for i := range reserves {
		if reserves[i].Kind != intents.KindReserve || reserves[i].Settled() {
			continue
		}
		s.markAborted(ctx, &reserves[i], "superseded by release")
	}
}

// compensate applies releases newest line first and returns how many failed.
func (s *Service) compensate(ctx context.Context, releases []intents.Intent, requeue bool) int {
	failed := 0
	for i := len(releases) - 1; i >= 0; i-- {
		if err := s.release(ctx, releases[i], requeue); err != nil {
			failed++
		}
	}
	return failed
}

// release gives back the stock of one RELEASE intent. A failure is logged,
// counted, recorded as FAILED and, when requeue is set, queued for retry.
func (s *Service) release(ctx context.Context, rel intents.Intent, requeue bool) error {
	logger := s.logger.With(
		zap.String("order_id", rel.OrderID),
		zap.String("intent_id", rel.IntentID),
		zap.String("product_id", rel.ProductID),
		zap.Int("quantity", rel.Quantity),
	)

	err := s.catalog.IncreaseStock(ctx, rel.ProductID, rel.Quantity, rel.IntentID, rel.ReservationKey)
	if err == nil {
		if mErr := s.intents.MarkCommitted(ctx, rel.IntentID); mErr != nil {
			logger.Error("stock released but intent update failed", zap.Error(mErr))
		}
		logger.Info("stock released")
		return nil
	}

	logger.Error("stock compensation failed", zap.Error(err))
	if mErr := s.intents.MarkFailed(ctx, rel.IntentID, err.Error()); mErr != nil {
		logger.Error("intent update failed", zap.Error(mErr))
	}
	s.count(ctx, MetricCompensationFailed, map[string]string{"ProductId": rel.ProductID})

	if requeue && s.notifier != nil {
		msg := CompensationMessage{
			IntentID:  rel.IntentID,
			OrderID:   rel.OrderID,
			ProductID: rel.ProductID,
			Quantity:  rel.Quantity,
		}
		attrs := map[string]string{"intent_id": rel.IntentID, "order_id": rel.OrderID}
		if qErr := s.notifier.PublishJSON(ctx, msg, attrs); qErr != nil {
			logger.Error("compensation retry could not be queued", zap.Error(qErr))
		}
	}
	return fmt.Errorf("release %s: %w", rel.IntentID, err)
}
