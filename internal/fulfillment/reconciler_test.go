package fulfillment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-order-fulfillment/internal/gateway"
	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

const grace = 2 * time.Minute

// persistWithoutReserving stores an order and its reserves as if the process
// died right after the write.
func persistWithoutReserving(t *testing.T, h *harness, orderID string) {
	t.Helper()
	o := orders.Order{
		ID:             orderID,
		UserID:         "u1",
		Address:        "1 Main St",
		DeliveryMethod: "courier",
		Status:         orders.StatusCreated,
		CreatedAt:      h.now,
		UpdatedAt:      h.now,
		Items: []orders.OrderItem{
			{ID: "i0", ProductID: "A", Quantity: 2, UnitPrice: decimal.RequireFromString("50.00")},
			{ID: "i1", ProductID: "B", Quantity: 1, UnitPrice: decimal.RequireFromString("75.00")},
		},
	}
	o.TotalAmount = o.ComputeTotal()
	reserves := []intents.Intent{
		intents.NewReserve(orderID, 0, "A", 2, h.now),
		intents.NewReserve(orderID, 1, "B", 1, h.now),
	}
	_, err := h.orders.Save(context.Background(), o, reserves...)
	require.NoError(t, err)
}

func TestSweep_LeavesFreshIntentsAlone(t *testing.T) {
	h := newHarness(t, PolicyBestEffort)
	persistWithoutReserving(t, h, "o-crash")

	report, err := NewReconciler(h.svc, grace, 5).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, orders.StatusCreated, h.order(t, "o-crash").Status)
	assert.Empty(t, h.catalog.increases)
}

func TestSweep_AbandonsInterruptedCreate(t *testing.T) {
	h := newHarness(t, PolicyBestEffort)
	persistWithoutReserving(t, h, "o-crash")
	h.now = h.now.Add(grace + time.Second)

	report, err := NewReconciler(h.svc, grace, 5).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 1, report.Aborted)

	assert.Equal(t, orders.StatusCancelled, h.order(t, "o-crash").Status)
	assert.Equal(t, intents.StateAborted, h.intent(t, "o-crash#0#RESERVE").State)
	assert.Equal(t, intents.StateAborted, h.intent(t, "o-crash#1#RESERVE").State)
	assert.Equal(t, intents.StateCommitted, h.intent(t, "o-crash#0#RELEASE").State)
	assert.Equal(t, intents.StateCommitted, h.intent(t, "o-crash#1#RELEASE").State)
	require.Len(t, h.catalog.increases, 2)
	assert.Equal(t, "o-crash#1#RESERVE", h.catalog.increases[0].ReservationKey)
	assert.Equal(t, float64(1), h.cw.Sum(MetricOrderAbandoned))

	// nothing left to do
	report, err = NewReconciler(h.svc, grace, 5).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestSweep_AbortsReservesOfCancelledOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, PolicyBestEffort)
	persistWithoutReserving(t, h, "o-crash")
	require.NoError(t, h.orders.TransitionStatus(ctx, "o-crash", orders.StatusCreated, orders.StatusCancelled))
	h.now = h.now.Add(grace + time.Second)

	report, err := NewReconciler(h.svc, grace, 5).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Aborted)
	assert.Equal(t, intents.StateAborted, h.intent(t, "o-crash#0#RESERVE").State)
	assert.Empty(t, h.catalog.increases)
}

func TestSweep_SkipsOrderThatMovedOn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, PolicyBestEffort)
	persistWithoutReserving(t, h, "o-crash")
	require.NoError(t, h.orders.TransitionStatus(ctx, "o-crash", orders.StatusCreated, orders.StatusProcessing))
	require.NoError(t, h.orders.TransitionStatus(ctx, "o-crash", orders.StatusProcessing, orders.StatusShipped))
	h.now = h.now.Add(grace + time.Second)

	report, err := NewReconciler(h.svc, grace, 5).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, orders.StatusShipped, h.order(t, "o-crash").Status)
	assert.Equal(t, intents.StatePending, h.intent(t, "o-crash#0#RESERVE").State)
}

func TestSweep_RetriesFailedReleases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, PolicyBestEffort)
	o, err := h.svc.CreateOrder(ctx, twoLineOrder("u1"))
	require.NoError(t, err)

	h.catalog.setIncreaseErr(gateway.ErrUpstream)
	_, err = h.svc.UpdateOrderStatus(ctx, o.ID, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, 8, h.catalog.stock("A"))

	h.catalog.setIncreaseErr(nil)
	report, err := NewReconciler(h.svc, grace, 5).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Released)
	assert.Equal(t, 10, h.catalog.stock("A"))
	assert.Equal(t, 5, h.catalog.stock("B"))
	assert.Equal(t, intents.StateCommitted, h.intent(t, "id-1#0#RELEASE").State)

	// every retry reuses the release key
	for _, call := range h.catalog.increases {
		assert.Contains(t, []string{"id-1#0#RELEASE", "id-1#1#RELEASE"}, call.Key)
	}
}

func TestSweep_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, PolicyBestEffort)
	o, err := h.svc.CreateOrder(ctx, twoLineOrder("u1"))
	require.NoError(t, err)
	h.catalog.setIncreaseErr(gateway.ErrUpstream)
	_, err = h.svc.UpdateOrderStatus(ctx, o.ID, "CANCELLED")
	require.NoError(t, err)

	r := NewReconciler(h.svc, grace, 2)
	report, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, float64(2), h.cw.Sum(MetricCompensationExhausted))
	assert.Equal(t, 2, h.intent(t, "id-1#0#RELEASE").Attempts)

	calls := len(h.catalog.increases)
	report, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Len(t, h.catalog.increases, calls)
	// retries are not queued again
	assert.Len(t, h.sqs.Sent(), 2)
}

func TestRetryIntent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, PolicyBestEffort)
	o, err := h.svc.CreateOrder(ctx, twoLineOrder("u1"))
	require.NoError(t, err)
	h.catalog.setIncreaseErr(gateway.ErrUpstream)
	_, err = h.svc.UpdateOrderStatus(ctx, o.ID, "CANCELLED")
	require.NoError(t, err)

	r := NewReconciler(h.svc, grace, 5)
	assert.ErrorIs(t, r.RetryIntent(ctx, "id-1#1#RELEASE"), ErrRetryLater)

	h.catalog.setIncreaseErr(nil)
	require.NoError(t, r.RetryIntent(ctx, "id-1#1#RELEASE"))
	assert.Equal(t, intents.StateCommitted, h.intent(t, "id-1#1#RELEASE").State)
	assert.Equal(t, 5, h.catalog.stock("B"))

	// settled and unknown intents are ignored
	calls := len(h.catalog.increases)
	require.NoError(t, r.RetryIntent(ctx, "id-1#1#RELEASE"))
	require.NoError(t, r.RetryIntent(ctx, "nope"))
	assert.Len(t, h.catalog.increases, calls)
}

func TestSweep_AbandonDuringCreateReleasesLateDecrement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, PolicyBestEffort)
	h.catalog.byReservation = true

	var report SweepReport
	h.catalog.beforeDecrease = func(productID string) {
		if productID != "B" {
			return
		}
		// the create stalls past the grace period and the reconciler takes over
		h.now = h.now.Add(grace + time.Second)
		var err error
		report, err = NewReconciler(h.svc, grace, 5).Sweep(ctx)
		require.NoError(t, err)
	}

	_, err := h.svc.CreateOrder(ctx, twoLineOrder("u1"))
	require.Equal(t, KindStockUpdateFailed, KindOf(err))
	assert.Equal(t, 1, report.Abandoned)

	assert.Equal(t, orders.StatusCancelled, h.order(t, "id-1").Status)
	assert.Equal(t, intents.StateAborted, h.intent(t, "id-1#1#RESERVE").State)

	late := h.intent(t, "id-1#1#RELEASE#LATE")
	assert.Equal(t, intents.StateCommitted, late.State)
	assert.Equal(t, "id-1#1#RESERVE", late.ReservationKey)

	last := h.catalog.increases[len(h.catalog.increases)-1]
	assert.Equal(t, stockCall{ProductID: "B", Quantity: 1, Key: "id-1#1#RELEASE#LATE", ReservationKey: "id-1#1#RESERVE"}, last)
	assert.Equal(t, 10, h.catalog.stock("A"))
	assert.Equal(t, 5, h.catalog.stock("B"))
}
