package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAttributesAPI is the subset of the SQS client used by Inspector.
type SQSAttributesAPI interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Depth is the approximate message count of one queue.
type Depth struct {
	Visible  int `json:"visible"`
	InFlight int `json:"inFlight"`
	Delayed  int `json:"delayed"`
}

// Stats holds the depth of the main queue and, when configured, its DLQ.
type Stats struct {
	Queue Depth  `json:"queue"`
	DLQ   *Depth `json:"dlq,omitempty"`
}

// Inspector reads queue attributes for jobctl and the detailed health check.
type Inspector struct {
	client   SQSAttributesAPI
	queueURL string
	dlqURL   string
}

// NewInspector creates an Inspector. dlqURL may be empty.
func NewInspector(client SQSAttributesAPI, queueURL, dlqURL string) *Inspector {
	return &Inspector{client: client, queueURL: queueURL, dlqURL: dlqURL}
}

// Stats returns the depth of the queue and DLQ.
func (i *Inspector) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	q, err := i.depth(ctx, i.queueURL)
	if err != nil {
		return s, err
	}
	s.Queue = q

	if i.dlqURL != "" {
		d, err := i.depth(ctx, i.dlqURL)
		if err != nil {
			return s, err
		}
		s.DLQ = &d
	}
	return s, nil
}

// HealthCheck fails when the main queue's attributes cannot be read.
func (i *Inspector) HealthCheck(ctx context.Context) error {
	_, err := i.depth(ctx, i.queueURL)
	return err
}

func (i *Inspector) depth(ctx context.Context, url string) (Depth, error) {
	out, err := i.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []sqsTypes.QueueAttributeName{
			sqsTypes.QueueAttributeNameApproximateNumberOfMessages,
			sqsTypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			sqsTypes.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Depth{}, fmt.Errorf("get queue attributes: %w", err)
	}

	attr := func(name sqsTypes.QueueAttributeName) int {
		n, _ := strconv.Atoi(out.Attributes[string(name)])
		return n
	}
	return Depth{
		Visible:  attr(sqsTypes.QueueAttributeNameApproximateNumberOfMessages),
		InFlight: attr(sqsTypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:  attr(sqsTypes.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}
