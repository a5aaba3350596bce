package jobs

import (
	"context"
	"time"

	"bulkmail/internal/types"
)

// DefaultStatusTimeout bounds one status store call when no timeout is
// configured. A store that accepts connections but never answers must not
// consume the deadline the sends depend on.
const DefaultStatusTimeout = 2 * time.Second

// StatusWrite is the result of one best-effort status write. It is kept as
// data on the ProcessingResult and logged; it never becomes a returned
// error, so an unreachable store cannot block delivery.
type StatusWrite struct {
	Status  types.JobStatus
	Applied bool
	Err     error
}

// OK reports whether the store accepted the write, applied or not.
func (w StatusWrite) OK() bool { return w.Err == nil }

// statusChannel is the best-effort path to the StatusStore.
type statusChannel struct {
	store   StatusStore
	timeout time.Duration
}

func (c statusChannel) write(ctx context.Context, logger types.Logger, jobID string, status types.JobStatus, fields types.StatusFields) StatusWrite {
	w := StatusWrite{Status: status}
	if c.store == nil {
		return w
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	applied, err := c.store.Upsert(ctx, jobID, status, fields)
	w.Applied, w.Err = applied, err

	switch {
	case err != nil:
		logger.Warn("job status update failed", "status", string(status), "error", err.Error())
	case !applied && status.IsTerminal():
		logger.Info("job record already terminal, leaving it unchanged", "status", string(status))
	case !applied:
		logger.Info("job status update not applied", "status", string(status))
	}
	return w
}
