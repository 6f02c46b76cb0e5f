package fulfillment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

// ErrRetryLater is returned by RetryIntent when a release failed again but
// still has attempts left.
var ErrRetryLater = errors.New("fulfillment: release failed, retry later")

// SweepReport summarises one reconciler pass.
type SweepReport struct {
	Scanned   int
	Released  int
	Abandoned int
	Aborted   int
	Failed    int
	Skipped   int
}

// Reconciler drives unsettled intents to a final state: it cancels orders
// whose reservation never finished and retries releases the catalog rejected.
type Reconciler struct {
	svc         *Service
	grace       time.Duration
	maxAttempts int
}

// NewReconciler builds a Reconciler. Intents touched within grace are left to
// the request that owns them. Releases that failed maxAttempts times are
// reported and left alone.
func NewReconciler(svc *Service, grace time.Duration, maxAttempts int) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Reconciler{svc: svc, grace: grace, maxAttempts: maxAttempts}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.svc.logger.Error("reconciler sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep makes one pass over PENDING and FAILED intents.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := r.svc.clock().Add(-r.grace)

	for _, state := range []intents.State{intents.StatePending, intents.StateFailed} {
		list, err := r.svc.intents.ListByState(ctx, state)
		if err != nil {
			return report, err
		}
		for _, in := range list {
			report.Scanned++
			if in.UpdatedAt.After(cutoff) {
				report.Skipped++
				continue
			}
			r.settle(ctx, in, &report)
		}
	}

	if report.Scanned > 0 {
		r.svc.logger.Info("reconciler sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("released", report.Released),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("aborted", report.Aborted),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped))
	}
	return report, nil
}

// RetryIntent settles a single intent regardless of its age. Unknown and
// settled intents are ignored. ErrRetryLater means the release failed again
// and should be redelivered.
func (r *Reconciler) RetryIntent(ctx context.Context, intentID string) error {
	in, err := r.svc.intents.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if in == nil || in.Settled() {
		return nil
	}
	var report SweepReport
	r.settle(ctx, *in, &report)
	if report.Failed > 0 && in.Attempts+1 < r.maxAttempts {
		return ErrRetryLater
	}
	return nil
}

func (r *Reconciler) settle(ctx context.Context, in intents.Intent, report *SweepReport) {
	switch in.Kind {
	case intents.KindReserve:
		r.settleReserve(ctx, in, report)
	case intents.KindRelease:
		r.retryRelease(ctx, in, report)
	default:
		report.Skipped++
	}
}

// settleReserve resolves a reserve left behind by an interrupted create.
func (r *Reconciler) settleReserve(ctx context.Context, in intents.Intent, report *SweepReport) {
	logger := r.svc.logger.With(zap.String("intent_id", in.IntentID), zap.String("order_id", in.OrderID))

	order, err := r.svc.orders.FindByID(ctx, in.OrderID)
	if err != nil {
		logger.Error("reconciler could not load order", zap.Error(err))
		report.Skipped++
		return
	}
	if order == nil || order.Status == orders.StatusCancelled {
		r.svc.markAborted(ctx, &in, "order gone or cancelled")
		report.Aborted++
		return
	}
	if !order.Status.CanTransitionTo(orders.StatusCancelled) {
		logger.Warn("unsettled reserve on an order that moved on", zap.String("status", string(order.Status)))
		report.Skipped++
		return
	}

	logged, err := r.svc.intents.ListByOrder(ctx, order.ID)
	if err != nil {
		logger.Error("reconciler could not load intents", zap.Error(err))
		report.Skipped++
		return
	}
	if err := r.svc.abandon(ctx, *order, intents.Reserves(logged)); err != nil {
		report.Skipped++
		return
	}
	logger.Info("reconciler abandoned order")
	report.Abandoned++
}

// retryRelease applies a release again within the attempt budget.
func (r *Reconciler) retryRelease(ctx context.Context, in intents.Intent, report *SweepReport) {
	if in.Attempts >= r.maxAttempts {
		report.Skipped++
		return
	}
	if err := r.svc.release(ctx, in, false); err != nil {
		report.Failed++
		if in.Attempts+1 >= r.maxAttempts {
			r.svc.logger.Error("stock release gave up; manual action required",
				zap.String("intent_id", in.IntentID),
				zap.String("order_id", in.OrderID),
				zap.String("product_id", in.ProductID),
				zap.Int("quantity", in.Quantity))
			r.svc.count(ctx, MetricCompensationExhausted, map[string]string{"ProductId": in.ProductID})
		}
		return
	}
	report.Released++
}
