package jobs

import (
	"context"

	"bulkmail/internal/types"
)

// Dispatcher sends one personalized message per recipient. It never returns
// an error: a transport failure becomes a failed DeliveryOutcome so sibling
// sends are unaffected. There is no retry at this level.
type Dispatcher struct {
	transport MailTransport
	from      types.SenderIdentity
	logger    types.Logger
}

// NewDispatcher creates a Dispatcher sending as from.
func NewDispatcher(transport MailTransport, from types.SenderIdentity, logger types.Logger) *Dispatcher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Dispatcher{
		transport: transport,
		from:      from,
		logger:    logger,
	}
}

// Dispatch sends content to r and reports the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, content types.EmailContent, r types.Recipient) types.DeliveryOutcome {
	input := types.SendInput{
		To:          r.Email,
		ToName:      r.DisplayName,
		From:        d.from,
		Subject:     content.Subject,
		BodyHTML:    content.HTMLBody,
		BodyText:    content.TextBody,
		Attachments: content.Attachments,
		ReferenceID: jobID,
		Tags: map[string]string{
			types.TagJobID:         jobID,
			types.TagRecipientID:   r.ID,
			types.TagRecipientType: string(r.Kind),
		},
	}

	msgID, err := d.transport.Send(ctx, input)
	if err != nil {
		d.logger.Warn("email send failed",
			"recipient_id", r.ID,
			"recipient_kind", string(r.Kind),
			"to", types.RedactEmail(r.Email),
			"error", err.Error(),
		)
		return types.FailedOutcome(r, err.Error())
	}

	return types.SentOutcome(r, msgID)
}
