package aws_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/imrishuroy/go-order-fulfillment/internal/aws"
	"github.com/imrishuroy/go-order-fulfillment/internal/aws/awstest"
)

func TestPublisher_PublishJSON(t *testing.T) {
	q := &awstest.SQS{}
	p := aws.NewPublisher(q, "https://sqs.local/queue")

	payload := map[string]string{"intent_id": "o1#0#RELEASE"}
	if err := p.PublishJSON(context.Background(), payload, map[string]string{"order_id": "o1"}); err != nil {
		t.Fatalf("PublishJSON error: %v", err)
	}

	sent := q.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(*sent[0].MessageBody), &got); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if got["intent_id"] != "o1#0#RELEASE" {
		t.Fatalf("unexpected body %v", got)
	}
	attr := sent[0].MessageAttributes["order_id"]
	if attr.StringValue == nil || *attr.StringValue != "o1" {
		t.Fatalf("order_id attribute not sent: %+v", attr)
	}
}

func TestPublisher_NoQueue(t *testing.T) {
	p := aws.NewPublisher(&awstest.SQS{}, "")
	err := p.Send(context.Background(), "{}", nil)
	if !errors.Is(err, aws.ErrNoQueue) {
		t.Fatalf("expected ErrNoQueue, got %v", err)
	}
}

func TestPublisher_SendError(t *testing.T) {
	q := &awstest.SQS{Err: errors.New("boom")}
	p := aws.NewPublisher(q, "https://sqs.local/queue")
	if err := p.Send(context.Background(), "{}", nil); err == nil {
		t.Fatal("expected error from SQS to propagate")
	}
}
