package external

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/sony/gobreaker/v2"

	"bulkmail/internal/types"
)

// resendEmails is the subset of resend.EmailsSvc used by ResendClient.
type resendEmails interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendClient sends through the Resend API. The SDK has no retry or
// breaker of its own, so calls go through a gobreaker.
type ResendClient struct {
	emails  resendEmails
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewResendClient creates a ResendClient using httpClient for transport.
func NewResendClient(httpClient *http.Client, apiKey string, logger *slog.Logger) *ResendClient {
	client := resend.NewCustomClient(httpClient, apiKey)
	return newResendClientWithEmails(client.Emails, logger)
}

func newResendClientWithEmails(emails resendEmails, logger *slog.Logger) *ResendClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResendClient{
		emails: emails,
		breaker: gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        "resend",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		logger: logger,
	}
}

// Send transmits one message and returns the Resend email id.
func (c *ResendClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	req, err := buildResendRequest(input)
	if err != nil {
		return "", err
	}

	id, err := c.breaker.Execute(func() (string, error) {
		sent, err := c.emails.SendWithContext(ctx, req)
		if err != nil {
			return "", err
		}
		return sent.Id, nil
	})
	if err != nil {
		return "", mapResendError(err)
	}
	return id, nil
}

func buildResendRequest(input types.SendInput) (*resend.SendEmailRequest, error) {
	req := &resend.SendEmailRequest{
		From:    formatAddress(input.From.Name, input.From.Address),
		To:      []string{formatAddress(input.ToName, input.To)},
		Subject: input.Subject,
		Html:    input.BodyHTML,
		Text:    input.BodyText,
	}

	for _, a := range input.Attachments {
		raw, err := decodeAttachment(a)
		if err != nil {
			return nil, err
		}
		req.Attachments = append(req.Attachments, &resend.Attachment{
			Content:  raw,
			Filename: a.Filename,
		})
	}

	for _, t := range sesTags(input.Tags) {
		req.Tags = append(req.Tags, resend.Tag{Name: *t.Name, Value: *t.Value})
	}
	if input.ReferenceID != "" {
		req.Headers = map[string]string{"X-Reference-Id": input.ReferenceID}
	}
	return req, nil
}

func mapResendError(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker open", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "request abandoned", err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "Resend error: "+err.Error(), err)
	}
}

var _ EmailProvider = (*ResendClient)(nil)
