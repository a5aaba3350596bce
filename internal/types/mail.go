package types

// SenderIdentity is the From header of an outgoing message.
type SenderIdentity struct {
	Name    string
	Address string
}

// SendInput is one fully rendered message for one recipient.
type SendInput struct {
	To          string
	ToName      string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	Attachments []Attachment
	// ReferenceID correlates provider events back to the job.
	ReferenceID string
	// Tags are forwarded to providers that support message tagging.
	Tags map[string]string
}

// Message tag names. Values are restricted to characters every provider
// accepts in tag values.
const (
	TagJobID         = "JobId"
	TagRecipientID   = "RecipientId"
	TagRecipientType = "RecipientType"
)
