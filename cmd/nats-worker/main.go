// Package main runs the email job consumer against NATS JetStream, the
// alternative to the SQS-triggered Lambda worker.
//
// It binds a durable pull consumer to the configured subject and feeds each
// envelope through the same jobs.Runner the Lambda worker uses. MaxDeliver
// on the consumer plays the role of the SQS redrive policy.
//
// Usage:
//
//	QUEUE_BACKEND=nats NATS_URL=nats://localhost:4222 go run ./cmd/nats-worker
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"bulkmail/internal/app"
	"bulkmail/internal/jobs"
	"bulkmail/internal/queue"
	"bulkmail/internal/types"
)

const fetchBatch = 10

// JobRunner is satisfied by *jobs.Runner.
type JobRunner interface {
	Run(ctx context.Context, env types.Envelope) (*jobs.ProcessingResult, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig(os.Getenv("AWS_REGION"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Queue.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("NATS worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"stream", cfg.Queue.NATSStream,
		"subject", cfg.Queue.NATSSubject,
		"durable", cfg.Queue.NATSDurable,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := app.New(cfg, logger)
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	runner, err := reg.Runner(ctx)
	if err != nil {
		return fmt.Errorf("building job runner: %w", err)
	}
	codec, err := reg.Codec()
	if err != nil {
		return err
	}
	var metrics jobs.Metrics = jobs.NopMetrics{}
	if cw, err := reg.Metrics(ctx); err != nil {
		return err
	} else if cw != nil {
		metrics = cw
	}

	js, err := reg.JetStream()
	if err != nil {
		return err
	}
	sub, err := js.PullSubscribe(cfg.Queue.NATSSubject, cfg.Queue.NATSDurable,
		nats.ManualAck(),
		nats.AckWait(cfg.Queue.VisibilityTimeout),
		nats.MaxDeliver(cfg.Queue.MaxReceiveCount),
	)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", cfg.Queue.NATSSubject, err)
	}

	handler := envelopeHandler(runner, metrics, types.NewSlogLogger(logger), time.Now)
	consumer := queue.NewNATSConsumer(sub, codec, handler, fetchBatch, logger)

	logger.Info("consuming")
	if err := consumer.Run(ctx); err != nil {
		return err
	}
	logger.Info("NATS worker stopped")
	return nil
}

// envelopeHandler adapts a JobRunner to the consumer callback. Returning an
// error naks the message so JetStream redelivers it.
func envelopeHandler(runner JobRunner, metrics jobs.Metrics, logger types.Logger, now func() time.Time) queue.EnvelopeHandler {
	return func(ctx context.Context, env types.Envelope, enqueuedAt time.Time) error {
		if !enqueuedAt.IsZero() {
			metrics.RecordQueueLag(ctx, now().Sub(enqueuedAt))
		}

		result, err := runner.Run(ctx, env)
		if err != nil {
			if types.IsCode(err, types.ErrCodeConflictJobLocked) {
				logger.Warn("job is leased by another consumer, leaving for redelivery", "job_id", env.JobID)
			}
			return err
		}
		if result.Skipped {
			logger.Info("acknowledged already completed job", "job_id", env.JobID)
		}
		return nil
	}
}
