package types

// JobStatus is the lifecycle state of a bulk email job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// rank orders statuses along queued -> processing -> {completed | failed}.
// Both terminal states share a rank so neither can replace the other.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 1
	case JobStatusProcessing:
		return 2
	case JobStatusCompleted, JobStatusFailed:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	return s.rank() > 0
}

// IsTerminal reports whether s is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanAdvanceTo reports whether a record currently in s may move to next.
// An empty s means no record exists yet, so any valid status is accepted.
// Writing the current status again is not an advance.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if !next.IsValid() {
		return false
	}
	return next.rank() > s.rank()
}

// Predecessors returns the stored statuses from which s is reachable.
// Stores that enforce transitions with a conditional write use this list.
func (s JobStatus) Predecessors() []JobStatus {
	var out []JobStatus
	for _, prev := range []JobStatus{JobStatusQueued, JobStatusProcessing} {
		if prev.CanAdvanceTo(s) {
			out = append(out, prev)
		}
	}
	return out
}

// RecipientKind tags a recipient reference with the directory it lives in.
type RecipientKind string

const (
	RecipientKindArtist      RecipientKind = "artist"
	RecipientKindApplication RecipientKind = "application"
)

// Priority is advisory to the queue transport; the worker does not reorder.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// OrDefault returns p, or PriorityNormal when p is empty.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityNormal
	}
	return p
}

// OutcomeStatus is the result of one send attempt.
type OutcomeStatus string

const (
	OutcomeSent   OutcomeStatus = "sent"
	OutcomeFailed OutcomeStatus = "failed"
)
