// Package handlers contains the HTTP handlers of the bulk mail API:
//   - POST /v1/email/queue
//   - POST /v1/email/queue/batch
//   - GET  /v1/email/status/{jobId}
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"bulkmail/internal/core"
	"bulkmail/internal/queue"
	"bulkmail/internal/types"
)

// MaxBatchMessages mirrors the SQS SendMessageBatch limit.
const MaxBatchMessages = queue.MaxBatchSize

// Publisher hands envelopes to the queue transport. Both the SQS and the
// NATS publishers satisfy it.
type Publisher interface {
	Publish(ctx context.Context, env types.Envelope) (string, error)
	PublishBatch(ctx context.Context, envs []types.Envelope) ([]queue.BatchResult, error)
}

// StatusStore is the subset of the job status store the API needs.
type StatusStore interface {
	Upsert(ctx context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (bool, error)
	Get(ctx context.Context, jobID string) (*types.JobRecord, error)
}

// EnqueueMetrics counts accepted jobs. Optional.
type EnqueueMetrics interface {
	RecordEnqueued(ctx context.Context, priority types.Priority)
}

// defaultStatusTimeout bounds each best-effort status write.
const defaultStatusTimeout = 2 * time.Second

// EmailHandler accepts email jobs and reports their status.
type EmailHandler struct {
	publisher     Publisher
	status        StatusStore
	statusTimeout time.Duration
	metrics       EnqueueMetrics
	validator     *core.Validator
	logger        *slog.Logger
	clock         types.Clock
	newJobID      func() string
}

// NewEmailHandler creates an EmailHandler. status may be nil, in which case
// jobs are still queued but their status cannot be read back.
func NewEmailHandler(pub Publisher, status StatusStore, val *core.Validator, logger *slog.Logger, clock types.Clock) *EmailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &EmailHandler{
		publisher:     pub,
		status:        status,
		statusTimeout: defaultStatusTimeout,
		validator:     val,
		logger:        logger,
		clock:         clock,
		newJobID:      uuid.NewString,
	}
}

// WithMetrics attaches an enqueue counter and returns the handler.
func (h *EmailHandler) WithMetrics(m EnqueueMetrics) *EmailHandler {
	h.metrics = m
	return h
}

// WithStatusTimeout overrides the bound on each status write.
func (h *EmailHandler) WithStatusTimeout(d time.Duration) *EmailHandler {
	if d > 0 {
		h.statusTimeout = d
	}
	return h
}

// RegisterRoutes mounts the endpoints; the caller chooses the /email prefix.
func (h *EmailHandler) RegisterRoutes(r chi.Router) {
	r.Post("/queue", h.HandleQueue)
	r.Post("/queue/batch", h.HandleQueueBatch)
	r.Get("/status/{jobId}", h.HandleGetStatus)
}

// BatchEntryResult reports the outcome of one message of a batch request.
type BatchEntryResult struct {
	Index int `json:"index"`
	*types.QueuedJob
	Error *core.ErrorDetail `json:"error,omitempty"`
}

// BatchResponse is the body of a batch enqueue.
type BatchResponse struct {
	Accepted int                `json:"accepted"`
	Failed   int                `json:"failed"`
	Results  []BatchEntryResult `json:"results"`
}

// HandleQueue handles POST /v1/email/queue.
//
//  1. Decode and validate the request.
//  2. Assign a job id and record it as queued (best effort).
//  3. Publish the envelope. On failure mark the job failed and answer 502.
//  4. Answer 202 with the job id and queue message id.
func (h *EmailHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	var req types.EmailRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.clock.Now()
	env := req.ToEnvelope(h.newJobID(), now)
	logger := h.requestLogger(r).With("job_id", env.JobID)

	h.recordQueued(r.Context(), logger, env, now)

	messageID, err := h.publisher.Publish(r.Context(), env)
	if err != nil {
		logger.Error("failed to enqueue email job", "error", err)
		h.recordFailed(r.Context(), logger, env.JobID, err)
		core.Error(w, r, asQueueError(err))
		return
	}

	h.recordEnqueued(r.Context(), env)
	logger.Info("email job queued",
		"message_id", messageID,
		"recipients", env.RecipientCount(),
		"priority", env.Metadata.Priority,
	)

	resp := core.APIResponse{
		Data: types.QueuedJob{
			JobID:               env.JobID,
			MessageID:           messageID,
			EstimatedRecipients: env.RecipientCount(),
			QueuedAt:            now,
		},
	}
	if warnings := scheduleWarnings(env.Metadata.ScheduledAt, now); len(warnings) > 0 {
		resp.Meta = &types.ResponseMeta{Warnings: warnings}
	}
	core.JSON(w, r, http.StatusAccepted, resp)
}

// scheduleWarnings reports scheduledAt values the queue cannot honour exactly.
func scheduleWarnings(scheduledAt *time.Time, now time.Time) []string {
	if scheduledAt == nil {
		return nil
	}
	switch delay := scheduledAt.Sub(now); {
	case delay < 0:
		return []string{"metadata.scheduledAt is in the past; the job was queued for immediate delivery"}
	case delay > queue.MaxDelay:
		return []string{"metadata.scheduledAt is more than 15 minutes ahead; delivery is delayed by 15 minutes only"}
	}
	return nil
}

// HandleQueueBatch handles POST /v1/email/queue/batch. Each message becomes
// its own job. Per-entry outcomes are reported; the response is 202 when
// at least one entry was accepted and 502 when none were.
func (h *EmailHandler) HandleQueueBatch(w http.ResponseWriter, r *http.Request) {
	var req types.EmailBatchRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	switch n := len(req.Messages); {
	case n == 0:
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "messages must not be empty", nil))
		return
	case n > MaxBatchMessages:
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationBatchSize,
			"too many messages in batch",
			nil,
			map[string]any{"max": MaxBatchMessages, "got": n},
		))
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.clock.Now()
	logger := h.requestLogger(r)
	envs := make([]types.Envelope, len(req.Messages))
	for i, m := range req.Messages {
		envs[i] = m.ToEnvelope(h.newJobID(), now)
		h.recordQueued(r.Context(), logger.With("job_id", envs[i].JobID), envs[i], now)
	}

	results, err := h.publisher.PublishBatch(r.Context(), envs)
	if err != nil {
		logger.Error("failed to enqueue email batch", "error", err, "size", len(envs))
		for _, env := range envs {
			h.recordFailed(r.Context(), logger.With("job_id", env.JobID), env.JobID, err)
		}
		core.Error(w, r, asQueueError(err))
		return
	}

	resp := BatchResponse{Results: make([]BatchEntryResult, len(results))}
	for i, res := range results {
		env := envs[res.Index]
		entry := BatchEntryResult{Index: res.Index}
		if res.Err != nil {
			resp.Failed++
			h.recordFailed(r.Context(), logger.With("job_id", env.JobID), env.JobID, res.Err)
			entry.Error = errorDetail(r, asQueueError(res.Err))
		} else {
			resp.Accepted++
			h.recordEnqueued(r.Context(), env)
			entry.QueuedJob = &types.QueuedJob{
				JobID:               env.JobID,
				MessageID:           res.MessageID,
				EstimatedRecipients: env.RecipientCount(),
				QueuedAt:            now,
			}
		}
		resp.Results[i] = entry
	}

	logger.Info("email batch queued", "accepted", resp.Accepted, "failed", resp.Failed)

	if resp.Accepted == 0 {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamQueue,
			"no messages in the batch could be queued",
			nil,
			map[string]any{"results": resp.Results},
		))
		return
	}
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: resp})
}

// HandleGetStatus handles GET /v1/email/status/{jobId}. A job with no record
// yet is reported as queued, since the record is written best effort.
func (h *EmailHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if _, err := uuid.Parse(jobID); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJobID, "jobId must be a UUID", nil))
		return
	}

	if h.status == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeUnavailableStatusStore, "job status is not available", nil))
		return
	}

	rec, err := h.status.Get(r.Context(), jobID)
	if types.IsCode(err, types.ErrCodeNotFoundJob) {
		core.JSON(w, r, http.StatusOK, core.APIResponse{
			Data: types.JobRecord{JobID: jobID, Status: types.JobStatusQueued, UpdatedAt: h.clock.Now()},
		})
		return
	}
	if err != nil {
		h.requestLogger(r).Error("failed to read job status", "job_id", jobID, "error", err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}

func (h *EmailHandler) recordQueued(ctx context.Context, logger *slog.Logger, env types.Envelope, at time.Time) {
	if h.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.statusTimeout)
	defer cancel()

	_, err := h.status.Upsert(ctx, env.JobID, types.JobStatusQueued, types.StatusFields{
		At:              at,
		TotalRecipients: types.IntPtr(env.RecipientCount()),
		CampaignID:      env.Metadata.CampaignID,
		Priority:        env.Metadata.Priority,
	})
	if err != nil {
		logger.Warn("failed to record queued status", "error", err)
	}
}

// recordFailed runs after a publish error, which may have been the request
// deadline expiring, so it does not inherit the request's cancellation.
func (h *EmailHandler) recordFailed(ctx context.Context, logger *slog.Logger, jobID string, cause error) {
	if h.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.statusTimeout)
	defer cancel()

	_, err := h.status.Upsert(ctx, jobID, types.JobStatusFailed, types.StatusFields{
		At:    h.clock.Now(),
		Error: "enqueue failed: " + cause.Error(),
	})
	if err != nil {
		logger.Warn("failed to record failed status", "error", err)
	}
}

func (h *EmailHandler) recordEnqueued(ctx context.Context, env types.Envelope) {
	if h.metrics != nil {
		h.metrics.RecordEnqueued(ctx, env.Metadata.Priority)
	}
}

func (h *EmailHandler) requestLogger(r *http.Request) *slog.Logger {
	logger := h.logger
	if id := types.GetRequestID(r.Context()); id != "" {
		logger = logger.With("request_id", id)
	}
	if client, ok := types.GetAPIClient(r.Context()); ok {
		logger = logger.With("api_client", client)
	}
	return logger
}

// asQueueError keeps AppErrors from the publisher and classifies anything
// else as a queue outage.
func asQueueError(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to queue email job", err)
}

func errorDetail(r *http.Request, err error) *core.ErrorDetail {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return &core.ErrorDetail{Code: string(types.ErrCodeInternalUnexpected), Message: "unexpected error"}
	}
	return &core.ErrorDetail{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		RequestID: types.GetRequestID(r.Context()),
	}
}
