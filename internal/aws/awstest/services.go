package awstest

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQS records every SendMessage call.
type SQS struct {
	mu       sync.Mutex
	Messages []*sqs.SendMessageInput
	Err      error
}

func (s *SQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.Messages = append(s.Messages, in)
	id := "msg-1"
	return &sqs.SendMessageOutput{MessageId: &id}, nil
}

// Sent returns the recorded messages.
func (s *SQS) Sent() []*sqs.SendMessageInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sqs.SendMessageInput(nil), s.Messages...)
}

// CloudWatch records every datum sent through PutMetricData.
type CloudWatch struct {
	mu        sync.Mutex
	Namespace string
	Data      []cwtypes.MetricDatum
	Err       error
}

func (c *CloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	if in.Namespace != nil {
		c.Namespace = *in.Namespace
	}
	c.Data = append(c.Data, in.MetricData...)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// Sum totals the values recorded for metric name.
func (c *CloudWatch) Sum(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, d := range c.Data {
		if d.MetricName != nil && *d.MetricName == name && d.Value != nil {
			total += *d.Value
		}
	}
	return total
}
