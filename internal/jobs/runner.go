package jobs

import (
	"context"
	"time"

	"bulkmail/internal/types"
)

const releaseTimeout = 5 * time.Second

// RunnerConfig holds the collaborators of a Runner.
type RunnerConfig struct {
	Orchestrator *Orchestrator
	// Store is read to detect already completed jobs; nil disables the check.
	Store         StatusStore
	SkipCompleted bool
	// Locker is optional. Without it single ownership relies on the queue's
	// visibility timeout alone.
	Locker Locker
	Logger types.Logger
	// StatusTimeout bounds the completed-job read; DefaultStatusTimeout when zero.
	StatusTimeout time.Duration
}

// Runner wraps the Orchestrator with the at-least-once guards a queue
// consumer needs: an already-completed short-circuit and a single-owner lease.
type Runner struct {
	orch          *Orchestrator
	store         StatusStore
	skipCompleted bool
	locker        Locker
	logger        types.Logger
	statusTimeout time.Duration
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	timeout := cfg.StatusTimeout
	if timeout <= 0 {
		timeout = DefaultStatusTimeout
	}
	return &Runner{
		orch:          cfg.Orchestrator,
		store:         cfg.Store,
		skipCompleted: cfg.SkipCompleted,
		locker:        cfg.Locker,
		logger:        logger,
		statusTimeout: timeout,
	}
}

// Run processes env once. It returns an AppError with ErrCodeConflictJobLocked
// when another consumer holds the job; the caller should let the message be
// redelivered.
func (r *Runner) Run(ctx context.Context, env types.Envelope) (*ProcessingResult, error) {
	logger := r.logger.With("job_id", env.JobID)

	if r.alreadyCompleted(ctx, logger, env.JobID) {
		logger.Info("job already completed, skipping")
		return &ProcessingResult{
			JobID:   env.JobID,
			Status:  types.JobStatusCompleted,
			Skipped: true,
		}, nil
	}

	if r.locker != nil {
		token, acquired, err := r.locker.Acquire(ctx, env.JobID)
		switch {
		case err != nil:
			// Lease store outage degrades to queue visibility only.
			logger.Warn("job lease unavailable, continuing without it", "error", err.Error())
		case !acquired:
			return nil, types.NewAppError(types.ErrCodeConflictJobLocked, "job is being processed by another consumer", nil)
		default:
			defer r.release(ctx, logger, env.JobID, token)
		}
	}

	return r.orch.Process(ctx, env)
}

func (r *Runner) alreadyCompleted(ctx context.Context, logger types.Logger, jobID string) bool {
	if !r.skipCompleted || r.store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.statusTimeout)
	defer cancel()

	rec, err := r.store.Get(ctx, jobID)
	if err != nil {
		if !types.IsCode(err, types.ErrCodeNotFoundJob) {
			logger.Warn("job status read failed, processing anyway", "error", err.Error())
		}
		return false
	}
	return rec.Status == types.JobStatusCompleted
}

func (r *Runner) release(ctx context.Context, logger types.Logger, jobID, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := r.locker.Release(ctx, jobID, token); err != nil {
		logger.Warn("job lease release failed", "error", err.Error())
	}
}
