package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-order-fulfillment/internal/idempotency"
	"github.com/imrishuroy/go-order-fulfillment/internal/observability"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
	"github.com/imrishuroy/go-order-fulfillment/internal/validation"
)

const (
	userIDHeader         = "X-User-Id"
	idempotencyKeyHeader = "Idempotency-Key"
)

// OrderService is the orchestrator surface the routes need.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd fulfillment.CreateOrderCommand) (orders.Order, error)
	GetUserOrders(ctx context.Context, userID string) ([]orders.Order, error)
	GetOrderByID(ctx context.Context, orderID, userID string) (orders.Order, error)
	GetOrdersByStatus(ctx context.Context, status string) ([]orders.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (orders.Order, error)
	DeleteOrder(ctx context.Context, orderID, userID string) error
}

// IdempotencyStore deduplicates create requests carrying an Idempotency-Key.
type IdempotencyStore interface {
	CreateIfNotExists(ctx context.Context, key, orderID string) (bool, error)
	Reclaim(ctx context.Context, key string) error
	ReclaimStale(ctx context.Context, key string, seen time.Time) error
	Get(ctx context.Context, key string) (*idempotency.IdempotencyRecord, error)
	MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// DefaultInProgressTimeout is how long an IN_PROGRESS key may go without an
// update before another request takes it over.
const DefaultInProgressTimeout = time.Minute

// HandlerConfig groups dependencies for the orders handler.
// Idempotency may be nil, in which case the header is ignored.
type HandlerConfig struct {
	Service     OrderService
	Idempotency IdempotencyStore
	Logger      *zap.Logger
	// InProgressTimeout defaults to DefaultInProgressTimeout.
	InProgressTimeout time.Duration
	Now               func() time.Time
}

type ordersHandler struct {
	svc        OrderService
	idem       IdempotencyStore
	logger     *zap.Logger
	v          *validatorv10.Validate
	staleAfter time.Duration
	now        func() time.Time
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r gin.IRouter, cfg HandlerConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ordersHandler{
		svc:        cfg.Service,
		idem:       cfg.Idempotency,
		logger:     logger,
		v:          validation.New(),
		staleAfter: cfg.InProgressTimeout,
		now:        cfg.Now,
	}
	if h.staleAfter <= 0 {
		h.staleAfter = DefaultInProgressTimeout
	}
	if h.now == nil {
		h.now = time.Now
	}

	r.POST("/orders", h.create)
	r.GET("/orders", h.listForUser)
	r.GET("/orders/status/:status", h.listByStatus)
	r.GET("/orders/:orderId", h.get)
	r.PATCH("/orders/:orderId/status", h.updateStatus)
	r.DELETE("/orders/:orderId", h.delete)
}

func (h *ordersHandler) create(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		var ve *validation.Error
		if errors.As(err, &ve) {
			writeValidation(c, ve.Fields)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "message": err.Error()})
		return
	}

	key := c.GetHeader(idempotencyKeyHeader)
	if key == "" || h.idem == nil {
		h.createOrder(c, userID, req, "")
		return
	}

	// keys are scoped per user so two callers cannot collide
	scoped := userID + ":" + key
	created, err := h.idem.CreateIfNotExists(ctx, scoped, "")
	if err != nil {
		writeError(c, h.logger, fmt.Errorf("idempotency create: %w", err))
		return
	}
	if !created && !h.resumeOrReplay(c, scoped) {
		return
	}
	h.createOrder(c, userID, req, scoped)
}

// resumeOrReplay handles a key seen before. It answers the request itself
// and returns false, or returns true when the caller should run the create.
func (h *ordersHandler) resumeOrReplay(c *gin.Context, key string) bool {
	ctx := c.Request.Context()
	rec, err := h.idem.Get(ctx, key)
	if err != nil {
		writeError(c, h.logger, fmt.Errorf("idempotency lookup: %w", err))
		return false
	}
	if rec == nil {
		// expired between the two calls
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_conflict", "message": "retry the request"})
		return false
	}

	switch rec.Status {
	case idempotency.StatusDone:
		if rec.OrderID != "" {
			c.Header("Location", "/orders/"+rec.OrderID)
		}
		status := rec.ResponseStatus
		if status == 0 {
			status = http.StatusOK
		}
		if rec.ResponseBody != "" {
			c.Data(status, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return false
		}
		c.JSON(status, gin.H{"id": rec.OrderID})
		return false
	case idempotency.StatusFailed:
		if err := h.idem.Reclaim(ctx, key); err != nil {
			if errors.Is(err, idempotency.ErrConditionFailed) {
				c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
				return false
			}
			writeError(c, h.logger, fmt.Errorf("idempotency reclaim: %w", err))
			return false
		}
		return true
	default:
		if h.now().Sub(rec.UpdatedAt) > h.staleAfter {
			err := h.idem.ReclaimStale(ctx, key, rec.UpdatedAt)
			if err == nil {
				h.logger.Warn("taking over stale idempotency key", zap.String("key", key), zap.Time("updated_at", rec.UpdatedAt))
				return true
			}
			if !errors.Is(err, idempotency.ErrConditionFailed) {
				writeError(c, h.logger, fmt.Errorf("idempotency reclaim: %w", err))
				return false
			}
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
		return false
	}
}

func (h *ordersHandler) createOrder(c *gin.Context, userID string, req validation.CreateOrderRequest, key string) {
	ctx := c.Request.Context()
	logger := observability.FromContext(ctx, h.logger)

	cmd := fulfillment.CreateOrderCommand{
		UserID:         userID,
		Address:        req.Address,
		DeliveryMethod: req.DeliveryMethod,
	}
	for _, it := range req.Items {
		cmd.Items = append(cmd.Items, fulfillment.LineRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	order, err := h.svc.CreateOrder(ctx, cmd)
	if err != nil {
		if key != "" {
			if mErr := h.idem.MarkFailed(ctx, key, string(fulfillment.KindOf(err))); mErr != nil {
				logger.Warn("idempotency mark failed", zap.Error(mErr))
			}
		}
		writeError(c, h.logger, err)
		return
	}

	resp := toResponse(order)
	if key != "" {
		body, err := json.Marshal(resp)
		if err == nil {
			err = h.idem.MarkDone(ctx, key, order.ID, string(body), http.StatusCreated)
		}
		if err != nil {
			logger.Warn("idempotency mark done failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	c.Header("Location", "/orders/"+order.ID)
	c.JSON(http.StatusCreated, resp)
}

func (h *ordersHandler) listForUser(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	list, err := h.svc.GetUserOrders(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponses(list))
}

func (h *ordersHandler) get(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	o, err := h.svc.GetOrderByID(c.Request.Context(), c.Param("orderId"), userID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(o))
}

func (h *ordersHandler) listByStatus(c *gin.Context) {
	list, err := h.svc.GetOrdersByStatus(c.Request.Context(), c.Param("status"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponses(list))
}

func (h *ordersHandler) updateStatus(c *gin.Context) {
	status := c.Query("status")
	if status == "" {
		writeValidation(c, map[string]string{"status": "is required"})
		return
	}
	o, err := h.svc.UpdateOrderStatus(c.Request.Context(), c.Param("orderId"), status)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(o))
}

func (h *ordersHandler) delete(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteOrder(c.Request.Context(), c.Param("orderId"), userID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func requireUser(c *gin.Context) (string, bool) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		writeValidation(c, map[string]string{userIDHeader: "header is required"})
		return "", false
	}
	return userID, true
}
