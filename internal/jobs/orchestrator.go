package jobs

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"bulkmail/internal/types"
)

// DefaultConcurrency bounds per-job dispatch fan-out when none is configured.
const DefaultConcurrency = 10

// terminalWriteTimeout bounds the final status write once the caller's
// context is gone.
const terminalWriteTimeout = 5 * time.Second

// OrchestratorConfig holds the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Store       StatusStore
	Resolver    Resolver
	Dispatcher  *Dispatcher
	Metrics     Metrics
	Clock       types.Clock
	Logger      types.Logger
	Concurrency int
	// StatusTimeout bounds each status write; DefaultStatusTimeout when zero.
	StatusTimeout time.Duration
}

// Orchestrator drives one job through resolve, personalize and dispatch and
// owns its status transitions.
type Orchestrator struct {
	status      statusChannel
	resolver    Resolver
	dispatcher  *Dispatcher
	metrics     Metrics
	clock       types.Clock
	logger      types.Logger
	concurrency int
}

// NewOrchestrator creates an Orchestrator. Store may be nil, in which case
// status tracking is skipped entirely.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		status:      statusChannel{store: cfg.Store, timeout: cfg.StatusTimeout},
		resolver:    cfg.Resolver,
		dispatcher:  cfg.Dispatcher,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
	if o.metrics == nil {
		o.metrics = NopMetrics{}
	}
	if o.clock == nil {
		o.clock = types.RealClock{}
	}
	if o.logger == nil {
		o.logger = types.NopLogger{}
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	if o.status.timeout <= 0 {
		o.status.timeout = DefaultStatusTimeout
	}
	return o
}

// ProcessingResult describes one run of a job.
type ProcessingResult struct {
	JobID   string
	Status  types.JobStatus
	Summary types.ResultSummary
	// StatusWrites lists every status write attempted, in order.
	StatusWrites []StatusWrite
	// Skipped is set when the job was already completed and nothing ran.
	Skipped bool
}

// Process runs env to a terminal state. Per-recipient failures are reported
// in the summary and the job still completes; only orchestration failures
// (the resolver failing, malformed content) are returned, after the job has
// been marked failed, so the queue can redeliver or dead-letter it.
func (o *Orchestrator) Process(ctx context.Context, env types.Envelope) (*ProcessingResult, error) {
	logger := o.logger.With("job_id", env.JobID)
	start := o.clock.Now()
	res := &ProcessingResult{JobID: env.JobID}

	res.StatusWrites = append(res.StatusWrites, o.status.write(ctx, logger, env.JobID, types.JobStatusProcessing, types.StatusFields{
		At:              start,
		TotalRecipients: types.IntPtr(env.RecipientCount()),
		CampaignID:      env.Metadata.CampaignID,
		Priority:        env.Metadata.Priority.OrDefault(),
	}))

	summary, err := o.run(ctx, logger, env)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if err != nil {
		res.Status = types.JobStatusFailed
		res.StatusWrites = append(res.StatusWrites, o.status.write(writeCtx, logger, env.JobID, types.JobStatusFailed, types.StatusFields{
			At:    o.clock.Now(),
			Error: err.Error(),
		}))
		o.metrics.RecordJob(writeCtx, JobReport{
			Status:   types.JobStatusFailed,
			Duration: o.clock.Now().Sub(start),
		})
		logger.Error("job failed", "error", err.Error())
		return res, fmt.Errorf("processing job %s: %w", env.JobID, err)
	}

	res.Status = types.JobStatusCompleted
	res.Summary = summary
	res.StatusWrites = append(res.StatusWrites, o.status.write(writeCtx, logger, env.JobID, types.JobStatusCompleted, types.StatusFields{
		At:      o.clock.Now(),
		Summary: &summary,
	}))

	duration := o.clock.Now().Sub(start)
	o.metrics.RecordJob(writeCtx, JobReport{
		Status:             types.JobStatusCompleted,
		EmailsSent:         summary.EmailsSent,
		EmailsFailed:       summary.EmailsFailed,
		ResolutionFailures: summary.ResolutionFailures,
		Duration:           duration,
	})

	logger.Info("job completed",
		"emails_sent", summary.EmailsSent,
		"emails_failed", summary.EmailsFailed,
		"resolution_failures", summary.ResolutionFailures,
		"duration_ms", duration.Milliseconds(),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, logger types.Logger, env types.Envelope) (types.ResultSummary, error) {
	if err := checkContent(env.EmailContent); err != nil {
		return types.ResultSummary{}, err
	}

	recipients, unresolved, err := o.resolver.Resolve(ctx, env.RecipientRefs())
	if err != nil {
		return types.ResultSummary{}, types.NewAppError(types.ErrCodeInternalResolverFailure, "recipient resolution failed", err)
	}
	if unresolved > 0 {
		logger.Warn("recipient references did not resolve", "unresolved", unresolved, "resolved", len(recipients))
	}

	outcomes := o.fanOut(ctx, env, recipients)
	return types.Summarize(outcomes, unresolved), nil
}

// fanOut personalizes and dispatches to every recipient with at most
// o.concurrency sends in flight. Each goroutine owns one slot of the result
// slice, so no locking is needed.
func (o *Orchestrator) fanOut(ctx context.Context, env types.Envelope, recipients []types.Recipient) []types.DeliveryOutcome {
	outcomes := make([]types.DeliveryOutcome, len(recipients))

	var g errgroup.Group
	g.SetLimit(o.concurrency)

	for i, r := range recipients {
		g.Go(func() error {
			outcomes[i] = o.deliver(ctx, env, r)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// deliver isolates one recipient, including from a panicking transport.
func (o *Orchestrator) deliver(ctx context.Context, env types.Envelope, r types.Recipient) (out types.DeliveryOutcome) {
	defer func() {
		if p := recover(); p != nil {
			out = types.FailedOutcome(r, fmt.Sprintf("panic during send: %v", p))
		}
	}()

	content := Personalize(env.EmailContent, r)
	return o.dispatcher.Dispatch(ctx, env.JobID, content, r)
}

func checkContent(c types.EmailContent) error {
	var missing []string
	if c.Subject == "" {
		missing = append(missing, "subject")
	}
	if c.HTMLBody == "" {
		missing = append(missing, "htmlBody")
	}
	if len(missing) > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField, "email content is incomplete", nil,
			map[string]any{"fields": missing})
	}
	return nil
}
