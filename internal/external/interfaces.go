package external

import (
	"context"

	"bulkmail/internal/types"
)

// EmailProvider transmits one fully rendered message and returns the
// provider's message id.
type EmailProvider interface {
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}
