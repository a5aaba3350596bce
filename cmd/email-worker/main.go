// Package main is the entrypoint for the Email Worker Lambda function.
//
// The worker consumes email job envelopes from the SQS queue the API
// publishes to. Each record is decoded, checked against the job status
// store, leased, and driven through recipient resolution, personalization
// and dispatch by jobs.Runner.
//
// Cold Start (main):
//  1. Load configuration and initialize the structured logger.
//  2. Build the job runner through the app registry (status store,
//     resolver, mail transport, lease, metrics).
//  3. Register the handler and call lambda.Start.
//
// Per record:
//  1. Decode the envelope, honouring the ContentEncoding attribute.
//     Undecodable bodies are acknowledged and logged; redelivery cannot fix them.
//  2. Record queue lag from the SentTimestamp attribute.
//  3. Run the job. A held lease or an orchestration failure makes the record
//     a batch item failure so SQS redelivers it after the visibility
//     timeout, and eventually dead-letters it per the redrive policy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"bulkmail/internal/app"
	"bulkmail/internal/jobs"
	"bulkmail/internal/queue"
	"bulkmail/internal/types"
)

// JobRunner is satisfied by *jobs.Runner.
type JobRunner interface {
	Run(ctx context.Context, env types.Envelope) (*jobs.ProcessingResult, error)
}

// LagRecorder receives the time each message spent in the queue.
type LagRecorder interface {
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// Handler holds the dependencies for the email worker Lambda handler.
type Handler struct {
	runner  JobRunner
	codec   *queue.Codec
	metrics LagRecorder
	logger  types.Logger
	now     func() time.Time
}

// NewHandler creates a Handler. metrics may be nil.
func NewHandler(runner JobRunner, codec *queue.Codec, metrics LagRecorder, logger types.Logger) *Handler {
	if metrics == nil {
		metrics = jobs.NopMetrics{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Handler{runner: runner, codec: codec, metrics: metrics, logger: logger, now: time.Now}
}

// Handle processes an SQS event containing one or more job envelopes. Each
// record is processed independently; failed records are returned in
// BatchItemFailures so SQS retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage handles a single SQS record.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	env, err := h.codec.Decode(record.Body, stringAttribute(record, queue.AttrContentEncoding))
	if err != nil {
		h.logger.Error("discarding undecodable message",
			"message_id", record.MessageId,
			"job_id", stringAttribute(record, queue.AttrJobID),
			"error", err.Error(),
		)
		return nil
	}

	logger := h.logger.With(
		"job_id", env.JobID,
		"message_id", record.MessageId,
		"receive_count", record.Attributes["ApproximateReceiveCount"],
	)

	if sent, ok := record.Attributes["SentTimestamp"]; ok {
		if sentAt, err := parseMillisTimestamp(sent); err == nil {
			h.metrics.RecordQueueLag(ctx, h.now().Sub(sentAt))
		}
	}

	logger.Info("processing email job", "recipients", env.RecipientCount())

	result, err := h.runner.Run(ctx, env)
	if types.IsCode(err, types.ErrCodeConflictJobLocked) {
		logger.Warn("job is leased by another consumer, leaving for redelivery")
		return err
	}
	if err != nil {
		return err
	}

	if result.Skipped {
		logger.Info("acknowledged already completed job")
	}
	return nil
}

func stringAttribute(record events.SQSMessage, name string) string {
	attr, ok := record.MessageAttributes[name]
	if !ok || attr.StringValue == nil {
		return ""
	}
	return *attr.StringValue
}

// parseMillisTimestamp parses a millisecond-epoch string into a time.Time.
// Used for the SQS SentTimestamp attribute to calculate queue lag.
func parseMillisTimestamp(ms string) (time.Time, error) {
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func main() {
	cfg, err := app.LoadConfig(os.Getenv("AWS_REGION"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	logger.Info("Email Worker initializing (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"status_backend", cfg.Worker.StatusBackend,
		"recipient_source", cfg.Worker.RecipientSource,
		"email_provider", cfg.Email.Provider,
	)

	ctx := context.Background()
	reg := app.New(cfg, logger)
	defer reg.Close()

	handler, err := newHandlerFromRegistry(ctx, reg)
	if err != nil {
		logger.Error("failed to initialize email worker", "error", err)
		os.Exit(1)
	}

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/email-worker
	if cfg.IsLocal() {
		if err := runLocal(ctx, handler, os.Stdin, os.Stderr, logger); err != nil {
			logger.Error("local run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.Start(handler.Handle)
}

func newHandlerFromRegistry(ctx context.Context, reg *app.Registry) (*Handler, error) {
	runner, err := reg.Runner(ctx)
	if err != nil {
		return nil, err
	}
	codec, err := reg.Codec()
	if err != nil {
		return nil, err
	}
	var lag LagRecorder
	if cw, err := reg.Metrics(ctx); err != nil {
		return nil, err
	} else if cw != nil {
		lag = cw
	}
	return NewHandler(runner, codec, lag, types.NewSlogLogger(reg.Logger)), nil
}

// runLocal feeds one SQS event read from in through the handler and writes
// the batch response to out when any record failed.
func runLocal(ctx context.Context, h *Handler, in io.Reader, out io.Writer, logger *slog.Logger) error {
	logger.Info("APP_ENV=local: reading SQS event from stdin")
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}

	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	response, err := h.Handle(ctx, sqsEvent)
	if err != nil {
		return err
	}
	if len(response.BatchItemFailures) > 0 {
		logger.Warn("handler reported partial failures", "failed_count", len(response.BatchItemFailures))
		respJSON, _ := json.MarshalIndent(response, "", "  ")
		fmt.Fprintln(out, string(respJSON))
	}
	logger.Info("handler execution completed",
		"records_processed", len(sqsEvent.Records),
		"failures", len(response.BatchItemFailures),
	)
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
