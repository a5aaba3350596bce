// Package jobs implements the consumer side of the email pipeline: the job
// orchestrator that drives one dequeued envelope through recipient
// resolution, personalization and dispatch, and records the job lifecycle
// in a status store.
package jobs

import (
	"context"
	"time"

	"bulkmail/internal/types"
)

// StatusStore persists job lifecycle records.
type StatusStore interface {
	// Upsert advances jobID to status and merges fields. applied is false
	// when the record is already at or past status; that is not an error.
	Upsert(ctx context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (applied bool, err error)

	// Get returns the record, or an AppError with ErrCodeNotFoundJob.
	Get(ctx context.Context, jobID string) (*types.JobRecord, error)
}

// Resolver turns recipient references into contacts. References that do not
// resolve are omitted and counted in unresolved; err is reserved for failures
// of the backing directory as a whole.
type Resolver interface {
	Resolve(ctx context.Context, refs []types.RecipientRef) (recipients []types.Recipient, unresolved int, err error)
}

// MailTransport sends one message and returns the provider message id.
type MailTransport interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// Locker grants single-owner leases on job ids.
type Locker interface {
	Acquire(ctx context.Context, jobID string) (token string, acquired bool, err error)
	Release(ctx context.Context, jobID, token string) error
}

// Metrics receives job telemetry. Implementations must not fail the caller.
type Metrics interface {
	RecordJob(ctx context.Context, report JobReport)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// JobReport is the telemetry emitted once per processed job.
type JobReport struct {
	Status             types.JobStatus
	EmailsSent         int
	EmailsFailed       int
	ResolutionFailures int
	Duration           time.Duration
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

func (NopMetrics) RecordJob(context.Context, JobReport)          {}
func (NopMetrics) RecordQueueLag(context.Context, time.Duration) {}
