package types

import "time"

// Envelope is the message handed from the API to the worker through the
// queue. It is validated once at the API boundary; consumers trust its shape.
type Envelope struct {
	JobID          string       `json:"jobId" validate:"required,uuid"`
	ArtistIDs      []string     `json:"artistIds,omitempty" validate:"omitempty,dive,uuid"`
	ApplicationIDs []string     `json:"applicationIds,omitempty" validate:"omitempty,dive,uuid"`
	EmailContent   EmailContent `json:"emailContent"`
	Metadata       Metadata     `json:"metadata"`
}

// EmailContent is the template shared by every recipient of a job.
type EmailContent struct {
	Subject     string       `json:"subject" validate:"required,max=200"`
	HTMLBody    string       `json:"htmlBody" validate:"required"`
	TextBody    string       `json:"textBody,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"omitempty,max=10,dive"`
}

// Attachment content is base64 encoded.
type Attachment struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"contentType" validate:"required,media_type"`
	Content     string `json:"content" validate:"required,base64"`
}

// Metadata is carried through to the status record. Only Priority has
// meaning outside the API, and only to the queue transport.
type Metadata struct {
	CampaignID       string            `json:"campaignId,omitempty" validate:"omitempty,max=100"`
	Tags             []string          `json:"tags,omitempty" validate:"omitempty,max=20,dive,max=50"`
	Priority         Priority          `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	ScheduledAt      *time.Time        `json:"scheduledAt,omitempty"`
	RequestTimestamp *time.Time        `json:"requestTimestamp,omitempty"`
	Source           string            `json:"source,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty" validate:"omitempty,max=20"`
}

// RecipientRefs flattens the per-kind id lists into one ordered slice:
// artists first, then applications, each in request order. Repeated
// references appear once.
func (e Envelope) RecipientRefs() []RecipientRef {
	seen := make(map[RecipientRef]bool, len(e.ArtistIDs)+len(e.ApplicationIDs))
	refs := make([]RecipientRef, 0, len(e.ArtistIDs)+len(e.ApplicationIDs))
	add := func(kind RecipientKind, ids []string) {
		for _, id := range ids {
			ref := RecipientRef{Kind: kind, ID: id}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	add(RecipientKindArtist, e.ArtistIDs)
	add(RecipientKindApplication, e.ApplicationIDs)
	return refs
}

// RecipientCount is the number of distinct references the job was submitted
// with. A repeated ID is one recipient.
func (e Envelope) RecipientCount() int {
	return len(e.RecipientRefs())
}

// RecipientRef is an opaque identifier tagged with its kind.
type RecipientRef struct {
	Kind RecipientKind `json:"kind"`
	ID   string        `json:"id"`
}

// Recipient is a contact resolved from one RecipientRef. It exists only for
// the duration of one job invocation.
type Recipient struct {
	ID          string        `json:"id"`
	Kind        RecipientKind `json:"kind"`
	Email       string        `json:"email"`
	DisplayName string        `json:"displayName,omitempty"`
}

// DeliveryOutcome records one send attempt. Exactly one of MessageID or
// Error is set, according to Status.
type DeliveryOutcome struct {
	RecipientID string        `json:"recipientId"`
	Kind        RecipientKind `json:"kind,omitempty"`
	Email       string        `json:"email"`
	Status      OutcomeStatus `json:"status"`
	MessageID   string        `json:"messageId,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// SentOutcome builds a successful outcome for r.
func SentOutcome(r Recipient, messageID string) DeliveryOutcome {
	return DeliveryOutcome{
		RecipientID: r.ID,
		Kind:        r.Kind,
		Email:       r.Email,
		Status:      OutcomeSent,
		MessageID:   messageID,
	}
}

// FailedOutcome builds a failed outcome for r.
func FailedOutcome(r Recipient, reason string) DeliveryOutcome {
	return DeliveryOutcome{
		RecipientID: r.ID,
		Kind:        r.Kind,
		Email:       r.Email,
		Status:      OutcomeFailed,
		Error:       reason,
	}
}

// ResultSummary is attached to a job once it reaches a terminal state.
// EmailsSent + EmailsFailed always equals len(Results); references that
// did not resolve are counted separately in ResolutionFailures.
type ResultSummary struct {
	EmailsSent         int               `json:"emailsSent"`
	EmailsFailed       int               `json:"emailsFailed"`
	ResolutionFailures int               `json:"resolutionFailures"`
	Results            []DeliveryOutcome `json:"results"`
}

// Summarize counts outcomes into a ResultSummary.
func Summarize(outcomes []DeliveryOutcome, resolutionFailures int) ResultSummary {
	s := ResultSummary{
		ResolutionFailures: resolutionFailures,
		Results:            outcomes,
	}
	if s.Results == nil {
		s.Results = []DeliveryOutcome{}
	}
	for _, o := range outcomes {
		if o.Status == OutcomeSent {
			s.EmailsSent++
		} else {
			s.EmailsFailed++
		}
	}
	return s
}

// JobRecord is the persisted view of a job's lifecycle.
type JobRecord struct {
	JobID           string         `json:"jobId"`
	Status          JobStatus      `json:"status"`
	QueuedAt        *time.Time     `json:"queuedAt,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	FailedAt        *time.Time     `json:"failedAt,omitempty"`
	TotalRecipients *int           `json:"totalRecipients,omitempty"`
	CampaignID      string         `json:"campaignId,omitempty"`
	Priority        Priority       `json:"priority,omitempty"`
	Summary         *ResultSummary `json:"resultSummary,omitempty"`
	Error           string         `json:"error,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// StatusFields are merged into a JobRecord alongside a status change.
// At is the transition time and lands in the timestamp column that matches
// the target status.
type StatusFields struct {
	At              time.Time
	TotalRecipients *int
	CampaignID      string
	Priority        Priority
	Summary         *ResultSummary
	Error           string
}

// ApplyTransition advances rec to status and merges fields. It returns false
// and leaves rec untouched when the move is not forward. Timestamps are only
// ever written once.
func ApplyTransition(rec *JobRecord, status JobStatus, fields StatusFields) bool {
	if !rec.Status.CanAdvanceTo(status) {
		return false
	}

	at := fields.At
	rec.Status = status
	rec.UpdatedAt = at

	switch status {
	case JobStatusQueued:
		setOnce(&rec.QueuedAt, at)
	case JobStatusProcessing:
		setOnce(&rec.StartedAt, at)
	case JobStatusCompleted:
		setOnce(&rec.CompletedAt, at)
	case JobStatusFailed:
		setOnce(&rec.FailedAt, at)
	}

	if fields.TotalRecipients != nil {
		n := *fields.TotalRecipients
		rec.TotalRecipients = &n
	}
	if fields.CampaignID != "" {
		rec.CampaignID = fields.CampaignID
	}
	if fields.Priority != "" {
		rec.Priority = fields.Priority
	}
	if fields.Summary != nil {
		rec.Summary = fields.Summary
	}
	if fields.Error != "" {
		rec.Error = fields.Error
	}
	return true
}

func setOnce(dst **time.Time, at time.Time) {
	if *dst != nil {
		return
	}
	t := at
	*dst = &t
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int {
	return &n
}
