package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-order-fulfillment/internal/fulfillment"
)

// Reconciler is the part of fulfillment.Reconciler the worker drives.
type Reconciler interface {
	RetryIntent(ctx context.Context, intentID string) error
	Sweep(ctx context.Context) (fulfillment.SweepReport, error)
}

// Processor consumes compensation retry messages and scheduled sweep events.
type Processor struct {
	reconciler Reconciler
	logger     *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(r Reconciler, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{reconciler: r, logger: logger}
}

// Handle retries the release named by each message. Messages whose release
// failed again are reported back so SQS redelivers only those; undecodable
// messages are dropped.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		logger := p.logger.With(zap.String("message_id", rec.MessageId))

		var msg fulfillment.CompensationMessage
		if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil || msg.IntentID == "" {
			logger.Error("dropping malformed compensation message", zap.String("body", rec.Body), zap.Error(err))
			continue
		}
		logger = logger.With(zap.String("intent_id", msg.IntentID), zap.String("order_id", msg.OrderID))

		if err := p.reconciler.RetryIntent(ctx, msg.IntentID); err != nil {
			if errors.Is(err, fulfillment.ErrRetryLater) {
				logger.Warn("release still failing; will be redelivered")
			} else {
				logger.Error("release retry failed", zap.Error(err))
			}
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		logger.Info("compensation message processed")
	}
	return resp, nil
}

// Sweep runs one reconciler pass for a scheduled event.
func (p *Processor) Sweep(ctx context.Context, _ events.CloudWatchEvent) error {
	report, err := p.reconciler.Sweep(ctx)
	if err != nil {
		p.logger.Error("scheduled sweep failed", zap.Error(err))
		return err
	}
	p.logger.Info("scheduled sweep done", zap.Int("scanned", report.Scanned), zap.Int("failed", report.Failed))
	return nil
}
