package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bulkmail/internal/types"
)

// JobLeaseRepository grants single-owner job leases through the job_leases
// table. It is the lease backend when Redis is not configured.
type JobLeaseRepository struct {
	db    DBTX
	ttl   time.Duration
	clock types.Clock
}

// NewJobLeaseRepository creates a JobLeaseRepository whose leases expire
// after ttl.
func NewJobLeaseRepository(db DBTX, ttl time.Duration) *JobLeaseRepository {
	return &JobLeaseRepository{db: db, ttl: ttl, clock: types.RealClock{}}
}

// Acquire inserts a lease row for jobID, or takes over an expired one. It
// returns acquired=false while another owner holds an unexpired lease.
//
//	INSERT INTO job_leases (job_id, token, locked_at, expires_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (job_id) DO UPDATE
//	  SET token = EXCLUDED.token, ...
//	  WHERE job_leases.expires_at < $3
//
// Timestamps are computed in Go so no interval arithmetic happens in SQL.
func (r *JobLeaseRepository) Acquire(ctx context.Context, jobID string) (string, bool, error) {
	token := uuid.NewString()
	now := r.clock.Now().UTC()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_leases (job_id, token, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id) DO UPDATE
		   SET token = EXCLUDED.token,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_leases.expires_at < $3`,
		jobID,
		token,
		now,
		now.Add(r.ttl),
	)
	if err != nil {
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lease", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lease if token still owns it. Releasing a lease that
// expired and was taken over is a no-op.
func (r *JobLeaseRepository) Release(ctx context.Context, jobID, token string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_leases WHERE job_id = $1 AND token = $2`,
		jobID,
		token,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lease", err)
	}
	return nil
}
