package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/app"
	"github.com/imrishuroy/go-order-fulfillment/internal/config"
	"github.com/imrishuroy/go-order-fulfillment/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("worker")

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}()

	processor := NewProcessor(a.Reconciler, logger)

	// locally the worker is a long-running reconciler loop
	if cfg.Server.RunLocal {
		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger.Info("running reconciler loop", zap.Duration("interval", cfg.Saga.ReconcileInterval))
		a.Reconciler.Run(runCtx, cfg.Saga.ReconcileInterval)
		return
	}

	if cfg.Worker.Mode == config.WorkerModeSweep {
		lambda.Start(processor.Sweep)
		return
	}
	lambda.Start(processor.Handle)
}
