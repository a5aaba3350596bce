package types

import "time"

// EmailRequest is the body of POST /v1/email/queue. At least one of
// ArtistIDs and ApplicationIDs must be non-empty; the API validator enforces
// that with the recipients_present rule.
type EmailRequest struct {
	ArtistIDs      []string     `json:"artistIds,omitempty" validate:"omitempty,max=1000,dive,uuid"`
	ApplicationIDs []string     `json:"applicationIds,omitempty" validate:"omitempty,max=1000,dive,uuid"`
	EmailContent   EmailContent `json:"emailContent"`
	Metadata       Metadata     `json:"metadata"`
}

// EmailBatchRequest is the body of POST /v1/email/queue/batch.
type EmailBatchRequest struct {
	Messages []EmailRequest `json:"messages" validate:"required,dive"`
}

// ToEnvelope assigns jobID and stamps the request metadata.
func (r EmailRequest) ToEnvelope(jobID string, now time.Time) Envelope {
	meta := r.Metadata
	meta.Priority = meta.Priority.OrDefault()
	meta.RequestTimestamp = &now
	if meta.Source == "" {
		meta.Source = "api"
	}
	return Envelope{
		JobID:          jobID,
		ArtistIDs:      uniqueIDs(r.ArtistIDs),
		ApplicationIDs: uniqueIDs(r.ApplicationIDs),
		EmailContent:   r.EmailContent,
		Metadata:       meta,
	}
}

// uniqueIDs drops repeats, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// QueuedJob is returned for each accepted enqueue.
type QueuedJob struct {
	JobID               string    `json:"jobId"`
	MessageID           string    `json:"messageId"`
	EstimatedRecipients int       `json:"estimatedRecipients"`
	QueuedAt            time.Time `json:"queuedAt"`
}
