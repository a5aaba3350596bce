package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"bulkmail/internal/types"
)

// JobStatusRepository stores job lifecycle records in the email_jobs table.
// Transitions are enforced in SQL: the upsert only updates a row whose
// current status is a predecessor of the target, and timestamp columns are
// never overwritten once set.
type JobStatusRepository struct {
	db DBTX
}

// NewJobStatusRepository creates a JobStatusRepository.
func NewJobStatusRepository(db DBTX) *JobStatusRepository {
	return &JobStatusRepository{db: db}
}

const upsertJobStatusSQL = `
	INSERT INTO email_jobs AS j (
		job_id, status, queued_at, started_at, completed_at, failed_at,
		total_recipients, campaign_id, priority, result_summary, error, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, NULLIF($11, ''), $12)
	ON CONFLICT (job_id) DO UPDATE SET
		status           = EXCLUDED.status,
		queued_at        = COALESCE(j.queued_at, EXCLUDED.queued_at),
		started_at       = COALESCE(j.started_at, EXCLUDED.started_at),
		completed_at     = COALESCE(j.completed_at, EXCLUDED.completed_at),
		failed_at        = COALESCE(j.failed_at, EXCLUDED.failed_at),
		total_recipients = COALESCE(EXCLUDED.total_recipients, j.total_recipients),
		campaign_id      = COALESCE(EXCLUDED.campaign_id, j.campaign_id),
		priority         = COALESCE(EXCLUDED.priority, j.priority),
		result_summary   = COALESCE(EXCLUDED.result_summary, j.result_summary),
		error            = COALESCE(EXCLUDED.error, j.error),
		updated_at       = EXCLUDED.updated_at
	WHERE j.status = ANY($13)
`

// Upsert advances jobID to status. It returns applied=false, without error,
// when the stored status is already at or past status.
func (r *JobStatusRepository) Upsert(ctx context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (bool, error) {
	if !status.IsValid() {
		return false, types.NewAppError(types.ErrCodeValidationInvalidStatus, "unknown job status "+string(status), nil)
	}

	at := fields.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var queuedAt, startedAt, completedAt, failedAt *time.Time
	switch status {
	case types.JobStatusQueued:
		queuedAt = &at
	case types.JobStatusProcessing:
		startedAt = &at
	case types.JobStatusCompleted:
		completedAt = &at
	case types.JobStatusFailed:
		failedAt = &at
	}

	predecessors := make([]string, 0, 2)
	for _, p := range status.Predecessors() {
		predecessors = append(predecessors, string(p))
	}

	tag, err := r.db.Exec(ctx, upsertJobStatusSQL,
		jobID,
		string(status),
		queuedAt,
		startedAt,
		completedAt,
		failedAt,
		fields.TotalRecipients,
		fields.CampaignID,
		string(fields.Priority),
		fields.Summary,
		fields.Error,
		at,
		predecessors,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert job status", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Get returns the job record for jobID.
func (r *JobStatusRepository) Get(ctx context.Context, jobID string) (*types.JobRecord, error) {
	var (
		rec      types.JobRecord
		status   string
		priority string
	)

	err := r.db.QueryRow(ctx, `
		SELECT job_id, status, queued_at, started_at, completed_at, failed_at,
		       total_recipients, COALESCE(campaign_id, ''), COALESCE(priority, ''),
		       result_summary, COALESCE(error, ''), updated_at
		FROM email_jobs
		WHERE job_id = $1`,
		jobID,
	).Scan(
		&rec.JobID,
		&status,
		&rec.QueuedAt,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.FailedAt,
		&rec.TotalRecipients,
		&rec.CampaignID,
		&priority,
		&rec.Summary,
		&rec.Error,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve job status", err)
	}

	rec.Status = types.JobStatus(status)
	rec.Priority = types.Priority(priority)
	return &rec, nil
}
