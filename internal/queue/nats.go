package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"bulkmail/internal/types"
)

// ConnectJetStream connects to NATS and makes sure the stream exists with
// subjects "<stream>.*".
func ConnectJetStream(url, stream string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url, nats.Name("bulkmail"))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{stream + ".*"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, nil, fmt.Errorf("creating stream %s: %w", stream, err)
	}
	return nc, js, nil
}

// JetStreamPublisher is the subset of nats.JetStreamContext used by
// NATSPublisher.
type JetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher publishes envelopes to a JetStream subject. JetStream has no
// per-message delay, so ScheduledAt is ignored. The job id doubles as the
// Nats-Msg-Id, which lets the stream drop duplicate publishes.
type NATSPublisher struct {
	js      JetStreamPublisher
	subject string
	codec   *Codec
}

// NewNATSPublisher creates a NATSPublisher.
func NewNATSPublisher(js JetStreamPublisher, subject string, codec *Codec) *NATSPublisher {
	return &NATSPublisher{js: js, subject: subject, codec: codec}
}

// Publish returns "<stream>:<sequence>" as the message id.
func (p *NATSPublisher) Publish(ctx context.Context, env types.Envelope) (string, error) {
	return p.publish(ctx, env, -1)
}

// PublishBatch publishes each envelope in turn. JetStream has no batch call,
// so failures are per entry and the error return is always nil.
func (p *NATSPublisher) PublishBatch(ctx context.Context, envs []types.Envelope) ([]BatchResult, error) {
	if len(envs) > MaxBatchSize {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("batch holds %d messages, limit is %d", len(envs), MaxBatchSize), nil,
			map[string]any{"size": len(envs), "limit": MaxBatchSize})
	}

	results := make([]BatchResult, len(envs))
	for i, env := range envs {
		id, err := p.publish(ctx, env, i)
		results[i] = BatchResult{Index: i, JobID: env.JobID, MessageID: id, Err: err}
	}
	return results, nil
}

func (p *NATSPublisher) publish(ctx context.Context, env types.Envelope, batchIndex int) (string, error) {
	body, encoding, err := p.codec.Encode(env)
	if err != nil {
		return "", err
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = []byte(body)
	msg.Header.Set(nats.MsgIdHdr, env.JobID)
	msg.Header.Set(AttrJobType, JobTypeEmailProcessing)
	msg.Header.Set(AttrJobID, env.JobID)
	msg.Header.Set(AttrPriority, string(env.Metadata.Priority.OrDefault()))
	if env.Metadata.Source != "" {
		msg.Header.Set(AttrSource, env.Metadata.Source)
	} else {
		msg.Header.Set(AttrSource, DefaultSource)
	}
	if encoding != "" {
		msg.Header.Set(AttrContentEncoding, encoding)
	}
	if batchIndex >= 0 {
		msg.Header.Set(AttrBatchIndex, strconv.Itoa(batchIndex))
	}

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamQueue, "failed to publish to JetStream", err)
	}
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

// Fetcher is the pull side of a JetStream subscription.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// EnvelopeHandler processes one decoded envelope. A returned error asks the
// stream to redeliver.
type EnvelopeHandler func(ctx context.Context, env types.Envelope, enqueuedAt time.Time) error

type ackAction int

const (
	actionAck ackAction = iota
	actionNak
	actionTerm
)

// NATSConsumer pulls envelopes from a durable consumer. Redelivery limits
// belong to the consumer configuration (MaxDeliver), mirroring the SQS
// redrive policy.
type NATSConsumer struct {
	sub     Fetcher
	codec   *Codec
	handler EnvelopeHandler
	logger  *slog.Logger
	batch   int
	maxWait time.Duration
}

// NewNATSConsumer creates a NATSConsumer that fetches batch messages at a
// time.
func NewNATSConsumer(sub Fetcher, codec *Codec, handler EnvelopeHandler, batch int, logger *slog.Logger) *NATSConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 1
	}
	return &NATSConsumer{
		sub:     sub,
		codec:   codec,
		handler: handler,
		logger:  logger,
		batch:   batch,
		maxWait: 10 * time.Second,
	}
}

// Run fetches and handles messages until ctx is cancelled.
func (c *NATSConsumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.maxWait)
		msgs, err := c.sub.Fetch(c.batch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.ErrorContext(ctx, "fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			enqueuedAt := time.Time{}
			if meta, err := msg.Metadata(); err == nil {
				enqueuedAt = meta.Timestamp
			}

			var ackErr error
			switch c.handle(ctx, msg.Data, msg.Header, enqueuedAt) {
			case actionAck:
				ackErr = msg.Ack()
			case actionNak:
				ackErr = msg.Nak()
			case actionTerm:
				ackErr = msg.Term()
			}
			if ackErr != nil {
				c.logger.WarnContext(ctx, "acknowledgement failed", "subject", msg.Subject, "error", ackErr)
			}
		}
	}
}

// handle decodes and processes one message. Undecodable messages are
// terminated since redelivery cannot fix them.
func (c *NATSConsumer) handle(ctx context.Context, data []byte, header nats.Header, enqueuedAt time.Time) ackAction {
	env, err := c.codec.Decode(string(data), header.Get(AttrContentEncoding))
	if err != nil {
		c.logger.ErrorContext(ctx, "discarding undecodable message", "job_id", header.Get(AttrJobID), "error", err)
		return actionTerm
	}

	if err := c.handler(ctx, env, enqueuedAt); err != nil {
		c.logger.ErrorContext(ctx, "job failed, requesting redelivery", "job_id", env.JobID, "error", err)
		return actionNak
	}
	return actionAck
}
