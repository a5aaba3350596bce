package jobs

import (
	"strings"

	"bulkmail/internal/types"
)

// DefaultName replaces {{name}} for recipients without a display name.
const DefaultName = "there"

// Recognized placeholder tokens. Anything else between braces is left as is.
const (
	tokenName  = "{{name}}"
	tokenEmail = "{{email}}"
	tokenType  = "{{type}}"
)

// Personalize substitutes the recipient's attributes into the subject and
// bodies of tmpl. Substitution is a single literal pass, so values that
// themselves look like tokens are not expanded again. Attachments are shared
// with tmpl.
func Personalize(tmpl types.EmailContent, r types.Recipient) types.EmailContent {
	name := r.DisplayName
	if name == "" {
		name = DefaultName
	}

	rep := strings.NewReplacer(
		tokenName, name,
		tokenEmail, r.Email,
		tokenType, string(r.Kind),
	)

	return types.EmailContent{
		Subject:     rep.Replace(tmpl.Subject),
		HTMLBody:    rep.Replace(tmpl.HTMLBody),
		TextBody:    rep.Replace(tmpl.TextBody),
		Attachments: tmpl.Attachments,
	}
}
