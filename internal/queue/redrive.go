package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSRedriveAPI is the subset of the SQS client used by Redriver.
type SQSRedriveAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// RedriveResult counts messages handled by one Redrive call.
type RedriveResult struct {
	Moved  int `json:"moved"`
	Failed int `json:"failed"`
}

// Redriver moves messages from the dead-letter queue back to the main queue,
// keeping body and attributes. A message is deleted from the DLQ only after
// it was sent, so a crash mid-way duplicates rather than loses it.
type Redriver struct {
	client SQSRedriveAPI
	dlqURL string
	dstURL string
	logger *slog.Logger
}

// NewRedriver creates a Redriver.
func NewRedriver(client SQSRedriveAPI, dlqURL, queueURL string, logger *slog.Logger) *Redriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redriver{client: client, dlqURL: dlqURL, dstURL: queueURL, logger: logger}
}

// Redrive moves up to max messages; max <= 0 drains the DLQ. It stops when
// a receive returns nothing, or with an error when no message of a receive
// could be sent.
func (r *Redriver) Redrive(ctx context.Context, max int) (RedriveResult, error) {
	var res RedriveResult

	for max <= 0 || res.Moved+res.Failed < max {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		want := int32(MaxBatchSize)
		if max > 0 {
			want = int32(min(MaxBatchSize, max-res.Moved-res.Failed))
		}

		out, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(r.dlqURL),
			MaxNumberOfMessages:   want,
			WaitTimeSeconds:       1,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			return res, fmt.Errorf("receive from DLQ: %w", err)
		}
		if len(out.Messages) == 0 {
			return res, nil
		}

		movedBefore := res.Moved
		for _, msg := range out.Messages {
			_, err := r.client.SendMessage(ctx, &sqs.SendMessageInput{
				QueueUrl:          aws.String(r.dstURL),
				MessageBody:       msg.Body,
				MessageAttributes: msg.MessageAttributes,
			})
			if err != nil {
				res.Failed++
				r.logger.WarnContext(ctx, "redrive send failed", "message_id", aws.ToString(msg.MessageId), "error", err)
				continue
			}

			if _, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(r.dlqURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				r.logger.WarnContext(ctx, "redriven message not deleted from DLQ", "message_id", aws.ToString(msg.MessageId), "error", err)
			}
			res.Moved++
		}
		if res.Moved == movedBefore {
			return res, fmt.Errorf("redrive stalled: %d messages could not be sent", len(out.Messages))
		}
	}
	return res, nil
}
