// Package fulfillment orchestrates order creation and cancellation across the
// order store, the stock intent log and the user and product services.
package fulfillment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/gateway"
	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

// Compensation policies.
const (
	PolicyBestEffort = "best_effort"
	PolicyStrict     = "strict"
)

// Metric names emitted by the orchestrator.
const (
	MetricCompensationFailed    = "CompensationFailed"
	MetricCompensationExhausted = "CompensationExhausted"
	MetricOrderAbandoned        = "OrderAbandoned"
)

// OrderStore persists orders.
type OrderStore interface {
	Save(ctx context.Context, order orders.Order, pending ...intents.Intent) (orders.Order, error)
	FindByID(ctx context.Context, orderID string) (*orders.Order, error)
	FindByIDAndUser(ctx context.Context, orderID, userID string) (*orders.Order, error)
	FindByUser(ctx context.Context, userID string) ([]orders.Order, error)
	FindByStatus(ctx context.Context, status orders.Status) ([]orders.Order, error)
	TransitionStatus(ctx context.Context, orderID string, expected, next orders.Status, pending ...intents.Intent) error
	Delete(ctx context.Context, orderID string) error
}

// IntentLog records stock side effects.
type IntentLog interface {
	Get(ctx context.Context, intentID string) (*intents.Intent, error)
	ListByOrder(ctx context.Context, orderID string) ([]intents.Intent, error)
	ListByState(ctx context.Context, state intents.State) ([]intents.Intent, error)
	Put(ctx context.Context, in intents.Intent) error
	MarkCommitted(ctx context.Context, intentID string) error
	MarkFailed(ctx context.Context, intentID, note string) error
	MarkAborted(ctx context.Context, intentID, note string) error
}

// UserDirectory confirms users exist.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (gateway.User, error)
}

// Catalog reads products and moves stock.
type Catalog interface {
	GetProducts(ctx context.Context, productIDs []string) ([]gateway.Product, error)
	DecreaseStock(ctx context.Context, productID string, quantity int, key string) error
	IncreaseStock(ctx context.Context, productID string, quantity int, key, reservationKey string) error
}

// Notifier queues compensation retries.
type Notifier interface {
	PublishJSON(ctx context.Context, payload any, attributes map[string]string) error
}

// Metrics counts operator-relevant events.
type Metrics interface {
	Count(ctx context.Context, name string, value float64, dimensions map[string]string) error
}

// Deps bundles the collaborators required to construct a Service.
type Deps struct {
	Orders      OrderStore
	Intents     IntentLog
	Users       UserDirectory
	Catalog     Catalog
	Notifier    Notifier
	Metrics     Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
	IDGenerator func() string
	Policy      string
	// ReserveGrace is how long a PENDING reserve is assumed to belong to a
	// running create. Defaults to DefaultReserveGrace.
	ReserveGrace time.Duration
}

// DefaultReserveGrace matches the reconciler's default grace period.
const DefaultReserveGrace = 2 * time.Minute

// Service is the order orchestrator.
type Service struct {
	orders   OrderStore
	intents  IntentLog
	users    UserDirectory
	catalog  Catalog
	notifier Notifier
	metrics  Metrics
	logger   *zap.Logger
	clock    func() time.Time
	newID    func() string
	policy   string

	reserveGrace time.Duration
}

// New wires dependencies into a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("fulfillment: order store is required")
	case deps.Intents == nil:
		return nil, errors.New("fulfillment: intent log is required")
	case deps.Users == nil:
		return nil, errors.New("fulfillment: user directory is required")
	case deps.Catalog == nil:
		return nil, errors.New("fulfillment: catalog is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := deps.Policy
	switch policy {
	case "":
		policy = PolicyBestEffort
	case PolicyBestEffort, PolicyStrict:
	default:
		return nil, errors.New("fulfillment: unknown compensation policy " + policy)
	}
	grace := deps.ReserveGrace
	if grace <= 0 {
		grace = DefaultReserveGrace
	}

	return &Service{
		orders:   deps.Orders,
		intents:  deps.Intents,
		users:    deps.Users,
		catalog:  deps.Catalog,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:        idGen,
		policy:       policy,
		reserveGrace: grace,
	}, nil
}

// GetUserOrders returns the orders of an existing user.
func (s *Service) GetUserOrders(ctx context.Context, userID string) ([]orders.Order, error) {
	if err := s.ensureUser(ctx, userID); err != nil {
		return nil, err
	}
	list, err := s.orders.FindByUser(ctx, userID)
	if err != nil {
		return nil, internal("list user orders", err)
	}
	return list, nil
}

// GetOrderByID returns the order only if userID owns it.
func (s *Service) GetOrderByID(ctx context.Context, orderID, userID string) (orders.Order, error) {
	o, err := s.orders.FindByIDAndUser(ctx, orderID, userID)
	if err != nil {
		return orders.Order{}, internal("load order", err)
	}
	if o == nil {
		return orders.Order{}, orderNotFound(orderID)
	}
	return *o, nil
}

// GetOrdersByStatus lists orders in the given status.
func (s *Service) GetOrdersByStatus(ctx context.Context, rawStatus string) ([]orders.Order, error) {
	status, err := orders.ParseStatus(rawStatus)
	if err != nil {
		return nil, NewValidationError(map[string]string{"status": "must be one of " + statusList()})
	}
	list, err := s.orders.FindByStatus(ctx, status)
	if err != nil {
		return nil, internal("list orders by status", err)
	}
	return list, nil
}

func (s *Service) ensureUser(ctx context.Context, userID string) error {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return userNotFound(userID)
		}
		return upstreamFailure("user lookup", err)
	}
	return nil
}

func (s *Service) count(ctx context.Context, name string, dims map[string]string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.Count(ctx, name, 1, dims); err != nil {
		s.logger.Warn("metric emit failed", zap.String("metric", name), zap.Error(err))
	}
}

func statusList() string {
	statuses := orders.Statuses()
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}
