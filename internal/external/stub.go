package external

import (
	"context"
	"fmt"
	"log/slog"

	"bulkmail/internal/types"
)

// StubEmailProvider logs each send and returns a predictable message id of
// the form mock-<JobId>-<RecipientId>. Used with EMAIL_PROVIDER=stub and in
// local mode.
type StubEmailProvider struct {
	logger *slog.Logger
}

// NewStubEmailProvider creates a StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send email called",
		"to", types.RedactEmail(input.To),
		"subject", input.Subject,
		"attachments", len(input.Attachments),
	)
	return fmt.Sprintf("mock-%s-%s", input.Tags[types.TagJobID], input.Tags[types.TagRecipientID]), nil
}

var _ EmailProvider = (*StubEmailProvider)(nil)
