// Package app builds the service graph shared by the API and the worker.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/aws"
	"github.com/imrishuroy/go-order-fulfillment/internal/cache"
	"github.com/imrishuroy/go-order-fulfillment/internal/config"
	"github.com/imrishuroy/go-order-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-order-fulfillment/internal/gateway"
	"github.com/imrishuroy/go-order-fulfillment/internal/idempotency"
	"github.com/imrishuroy/go-order-fulfillment/internal/intents"
	"github.com/imrishuroy/go-order-fulfillment/internal/orders"
)

// App holds the wired components.
type App struct {
	Service     *fulfillment.Service
	Reconciler  *fulfillment.Reconciler
	Idempotency *idempotency.Store

	redis *redis.Client
}

// Build connects to AWS and wires every component from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	clients, err := aws.NewAWSClients(ctx, aws.Options{Region: cfg.AWS.Region, Endpoint: cfg.AWS.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	return BuildWithClients(cfg, clients, logger)
}

// BuildWithClients wires every component on top of the given AWS clients.
func BuildWithClients(cfg config.Config, clients *aws.AWSClients, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	intentLog := intents.NewStore(clients.DynamoDB, cfg.Tables.Intents)
	orderStore := orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, intentLog)

	a := &App{
		Idempotency: idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.Idempotency.TTL),
	}

	gw := gateway.Config{
		Timeout:              cfg.Gateway.Timeout,
		MaxRetries:           cfg.Gateway.MaxRetries,
		RetryInitialInterval: cfg.Gateway.RetryInitialInterval,
		BreakerFailures:      cfg.Gateway.BreakerFailures,
		BreakerOpenTimeout:   cfg.Gateway.BreakerOpenTimeout,
		Logger:               logger.Named("gateway"),
	}
	usersCfg := gw
	usersCfg.BaseURL = cfg.Gateway.UsersBaseURL
	productsCfg := gw
	productsCfg.BaseURL = cfg.Gateway.ProductsBaseURL

	var userCache gateway.UserCache
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		userCache = cache.NewUserCache(a.redis, cfg.Gateway.UserCacheTTL)
	}

	deps := fulfillment.Deps{
		Orders:       orderStore,
		Intents:      intentLog,
		Users:        gateway.NewUsers(usersCfg, userCache),
		Catalog:      gateway.NewProducts(productsCfg),
		Logger:       logger.Named("fulfillment"),
		Policy:       cfg.Saga.CompensationPolicy,
		ReserveGrace: cfg.Saga.ReconcileGrace,
	}
	if cfg.Queue.CompensationURL != "" {
		deps.Notifier = aws.NewPublisher(clients.SQS, cfg.Queue.CompensationURL)
	} else {
		logger.Warn("no compensation queue configured; failed releases wait for the reconciler")
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = aws.NewMetrics(clients.CloudWatch, cfg.Metrics.Namespace)
	}

	svc, err := fulfillment.New(deps)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Service = svc
	a.Reconciler = fulfillment.NewReconciler(svc, cfg.Saga.ReconcileGrace, cfg.Saga.MaxReleaseAttempts)
	return a, nil
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
