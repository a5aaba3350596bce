package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"bulkmail/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridClientConfig holds SendGridClient options.
type SendGridClientConfig struct {
	APIKey string
	// BaseURL defaults to sendGridAPIBase.
	BaseURL string
	Logger  *slog.Logger
}

// SendGridClient sends through the SendGrid v3 Mail Send API over BaseClient.
type SendGridClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewSendGridClient creates a SendGridClient with the default retry policy.
func NewSendGridClient(httpClient *http.Client, cfg SendGridClientConfig) *SendGridClient {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), defaultUserAgent)
	return NewSendGridClientWithBase(base, cfg)
}

// NewSendGridClientWithBase creates a SendGridClient over a preconfigured
// BaseClient.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Send posts one message and returns the X-Message-Id header.
//
// Error mapping:
//   - 403 Forbidden -> ErrCodeEmailBlocked
//   - 429 -> ErrCodeUpstreamRateLimited (after BaseClient retries)
//   - 5xx -> ErrCodeUpstreamUnavailable (after BaseClient retries)
//   - other 4xx -> ErrCodeUpstreamEmailProvider
func (s *SendGridClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	body, err := json.Marshal(buildSendGridPayload(input))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", sendGridError(resp)
}

type sendGridPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Attachments      []sendGridAttachment      `json:"attachments,omitempty"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridAttachment struct {
	Content     string `json:"content"`
	Type        string `json:"type"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition"`
}

// buildSendGridPayload lists text/plain before text/html, which SendGrid
// requires when both are present.
func buildSendGridPayload(input types.SendInput) sendGridPayload {
	p := sendGridPayload{
		Personalizations: []sendGridPersonalization{{
			To: []sendGridAddress{{Email: input.To, Name: input.ToName}},
		}},
		From:    sendGridAddress{Email: input.From.Address, Name: input.From.Name},
		Subject: input.Subject,
	}

	if input.BodyText != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/plain", Value: input.BodyText})
	}
	p.Content = append(p.Content, sendGridContent{Type: "text/html", Value: input.BodyHTML})

	for _, a := range input.Attachments {
		p.Attachments = append(p.Attachments, sendGridAttachment{
			Content:     a.Content,
			Type:        a.ContentType,
			Filename:    a.Filename,
			Disposition: "attachment",
		})
	}

	if len(input.Tags) > 0 || input.ReferenceID != "" {
		p.CustomArgs = make(map[string]string, len(input.Tags)+1)
		for k, v := range input.Tags {
			p.CustomArgs[k] = v
		}
		if input.ReferenceID != "" {
			p.CustomArgs["reference_id"] = input.ReferenceID
		}
	}
	return p
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func sendGridError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid returned %d with unreadable body", resp.StatusCode), err)
	}

	msg := string(body)
	var parsed sendGridErrorResponse
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Errors) > 0 {
		msg = parsed.Errors[0].Message
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(types.ErrCodeEmailBlocked, "SendGrid blocked delivery: "+msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "SendGrid rate limit exceeded", nil)
	case resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "SendGrid server error: "+msg, nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SendGrid error (%d): %s", resp.StatusCode, msg), nil)
	}
}

var _ EmailProvider = (*SendGridClient)(nil)
