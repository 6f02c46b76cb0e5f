package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-order-fulfillment/internal/observability"
)

var statusByKind = map[fulfillment.Kind]int{
	fulfillment.KindUserNotFound:            http.StatusNotFound,
	fulfillment.KindProductNotFound:         http.StatusNotFound,
	fulfillment.KindProductUnavailable:      http.StatusBadRequest,
	fulfillment.KindInsufficientStock:       http.StatusBadRequest,
	fulfillment.KindOrderNotFound:           http.StatusNotFound,
	fulfillment.KindValidation:              http.StatusBadRequest,
	fulfillment.KindInvalidStatusTransition: http.StatusConflict,
	fulfillment.KindUpstream:                http.StatusBadGateway,
	fulfillment.KindStockUpdateFailed:       http.StatusInternalServerError,
	fulfillment.KindInternal:                http.StatusInternalServerError,
}

// writeError renders an orchestrator error. Upstream and internal failures
// are logged and never echo their cause to the client.
func writeError(c *gin.Context, fallback *zap.Logger, err error) {
	kind := fulfillment.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	var fe *fulfillment.Error
	if !errors.As(err, &fe) {
		fe = &fulfillment.Error{Kind: fulfillment.KindInternal}
	}

	body := gin.H{"error": strings.ToLower(string(kind))}
	switch kind {
	case fulfillment.KindValidation:
		body["error"] = "validation_failed"
		body["fields"] = fe.Fields
	case fulfillment.KindInsufficientStock:
		body["message"] = fe.Message
		body["product_id"] = fe.ProductID
		body["available"] = fe.Available
		body["requested"] = fe.Requested
	case fulfillment.KindProductNotFound, fulfillment.KindProductUnavailable:
		body["message"] = fe.Message
		body["product_id"] = fe.ProductID
	case fulfillment.KindUpstream:
		body["message"] = "a dependent service is unavailable"
	case fulfillment.KindStockUpdateFailed:
		body["message"] = fe.Message
	case fulfillment.KindInternal:
		body["error"] = "internal_error"
		body["message"] = "internal error"
	default:
		body["message"] = fe.Message
	}

	if status >= http.StatusInternalServerError || kind == fulfillment.KindUpstream {
		observability.FromContext(c.Request.Context(), fallback).Error("request failed",
			zap.String("kind", string(kind)), zap.Error(err))
	}
	c.JSON(status, body)
}

func writeValidation(c *gin.Context, fields map[string]string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": fields})
}
