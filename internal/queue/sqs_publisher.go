package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"bulkmail/internal/types"
)

const (
	// MaxBatchSize is the SQS SendMessageBatch limit.
	MaxBatchSize = 10
	// MaxDelay is the SQS DelaySeconds limit.
	MaxDelay = 900 * time.Second
)

// SQSSender is the subset of the SQS client used by SQSPublisher.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// BatchResult reports one entry of a batch publish. Index is the entry's
// position in the request.
type BatchResult struct {
	Index     int
	JobID     string
	MessageID string
	Err       error
}

// SQSPublisher sends envelopes to the email queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	codec    *Codec
	clock    types.Clock
}

// NewSQSPublisher creates an SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string, codec *Codec, clock types.Clock) *SQSPublisher {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &SQSPublisher{client: client, queueURL: queueURL, codec: codec, clock: clock}
}

// Publish sends one envelope and returns the SQS message id.
func (p *SQSPublisher) Publish(ctx context.Context, env types.Envelope) (string, error) {
	body, encoding, err := p.codec.Encode(env)
	if err != nil {
		return "", err
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(body),
		DelaySeconds:      delaySeconds(env.Metadata.ScheduledAt, p.clock.Now()),
		MessageAttributes: messageAttributes(env, encoding, -1),
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamQueue, "failed to send message to SQS", err)
	}
	return aws.ToString(out.MessageId), nil
}

// PublishBatch sends up to MaxBatchSize envelopes in one call. The returned
// slice has one result per envelope in request order. A non-nil error means
// the call as a whole failed and nothing was sent.
func (p *SQSPublisher) PublishBatch(ctx context.Context, envs []types.Envelope) ([]BatchResult, error) {
	if len(envs) == 0 {
		return nil, nil
	}
	if len(envs) > MaxBatchSize {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("batch holds %d messages, limit is %d", len(envs), MaxBatchSize), nil,
			map[string]any{"size": len(envs), "limit": MaxBatchSize})
	}

	results := make([]BatchResult, len(envs))
	entries := make([]sqsTypes.SendMessageBatchRequestEntry, 0, len(envs))
	now := p.clock.Now()

	for i, env := range envs {
		results[i] = BatchResult{Index: i, JobID: env.JobID}
		body, encoding, err := p.codec.Encode(env)
		if err != nil {
			results[i].Err = err
			continue
		}
		entries = append(entries, sqsTypes.SendMessageBatchRequestEntry{
			Id:                aws.String(entryID(i)),
			MessageBody:       aws.String(body),
			DelaySeconds:      delaySeconds(env.Metadata.ScheduledAt, now),
			MessageAttributes: messageAttributes(env, encoding, i),
		})
	}
	if len(entries) == 0 {
		return results, nil
	}

	out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(p.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamQueue, "failed to send message batch to SQS", err)
	}

	for _, ok := range out.Successful {
		if i, found := entryIndex(aws.ToString(ok.Id)); found && i < len(results) {
			results[i].MessageID = aws.ToString(ok.MessageId)
		}
	}
	for _, failed := range out.Failed {
		if i, found := entryIndex(aws.ToString(failed.Id)); found && i < len(results) {
			results[i].Err = types.NewAppError(types.ErrCodeUpstreamQueue,
				fmt.Sprintf("SQS rejected entry: code=%s, message=%s", aws.ToString(failed.Code), aws.ToString(failed.Message)), nil)
		}
	}
	return results, nil
}

func entryID(i int) string { return "msg-" + strconv.Itoa(i) }

func entryIndex(id string) (int, bool) {
	if len(id) < 5 || id[:4] != "msg-" {
		return 0, false
	}
	i, err := strconv.Atoi(id[4:])
	return i, err == nil
}

// delaySeconds converts a future schedule into an SQS delay, clamped to
// [0, MaxDelay].
func delaySeconds(scheduledAt *time.Time, now time.Time) int32 {
	if scheduledAt == nil {
		return 0
	}
	d := scheduledAt.Sub(now)
	if d <= 0 {
		return 0
	}
	d = min(d, MaxDelay)
	return int32(d.Round(time.Second) / time.Second)
}

// messageAttributes builds the attribute set. batchIndex < 0 omits BatchIndex.
func messageAttributes(env types.Envelope, encoding string, batchIndex int) map[string]sqsTypes.MessageAttributeValue {
	source := env.Metadata.Source
	if source == "" {
		source = DefaultSource
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{
		AttrJobType:  stringAttr(JobTypeEmailProcessing),
		AttrPriority: stringAttr(string(env.Metadata.Priority.OrDefault())),
		AttrSource:   stringAttr(source),
		AttrJobID:    stringAttr(env.JobID),
	}
	if encoding != "" {
		attrs[AttrContentEncoding] = stringAttr(encoding)
	}
	if batchIndex >= 0 {
		attrs[AttrBatchIndex] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.Itoa(batchIndex)),
		}
	}
	return attrs
}

func stringAttr(v string) sqsTypes.MessageAttributeValue {
	return sqsTypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
