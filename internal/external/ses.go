package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"bulkmail/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig holds SESClient options.
type SESClientConfig struct {
	// ConfigSetName is optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient sends through AWS SES v2 with IAM credentials. The SDK retries
// throttling itself, so there is no BaseClient here.
type SESClient struct {
	api           SESAPI
	configSetName string
	logger        *slog.Logger
}

// NewSESClient creates an SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI creates an SESClient over api.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{
		api:           api,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

// Send uses simple content, or a raw MIME message when the input carries
// attachments. input.Tags become SES message tags.
//
// Error mapping:
//   - MessageRejected, AccountSuspended -> ErrCodeEmailBlocked
//   - TooManyRequestsException, LimitExceededException -> ErrCodeUpstreamRateLimited
//   - SendingPausedException -> ErrCodeUpstreamUnavailable
//   - anything else -> ErrCodeUpstreamEmailProvider
func (s *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	from := formatAddress(input.From.Name, input.From.Address)

	req := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{formatAddress(input.ToName, input.To)},
		},
		EmailTags: sesTags(input.Tags),
	}
	if s.configSetName != "" {
		req.ConfigurationSetName = aws.String(s.configSetName)
	}

	if len(input.Attachments) > 0 {
		raw, err := buildMIMEMessage(from, input)
		if err != nil {
			return "", types.NewAppError(types.ErrCodeInternalCodec, "failed to build MIME message", err)
		}
		req.Content = &sestypes.EmailContent{Raw: &sestypes.RawMessage{Data: raw}}
	} else {
		req.Content = &sestypes.EmailContent{Simple: simpleMessage(input)}
	}

	out, err := s.api.SendEmail(ctx, req)
	if err != nil {
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

func simpleMessage(input types.SendInput) *sestypes.Message {
	msg := &sestypes.Message{
		Subject: utf8Content(input.Subject),
		Body:    &sestypes.Body{},
	}
	if input.BodyHTML != "" {
		msg.Body.Html = utf8Content(input.BodyHTML)
	}
	if input.BodyText != "" {
		msg.Body.Text = utf8Content(input.BodyText)
	}
	return msg
}

func utf8Content(s string) *sestypes.Content {
	return &sestypes.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

// sesTags converts tags in key order. SES accepts only ASCII letters, digits,
// underscore, dash and period in tag values, so anything else becomes '_'.
func sesTags(tags map[string]string) []sestypes.MessageTag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]sestypes.MessageTag, 0, len(keys))
	for _, k := range keys {
		v := sanitizeTag(tags[k])
		if v == "" {
			continue
		}
		out = append(out, sestypes.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func sanitizeTag(v string) string {
	if len(v) > 256 {
		v = v[:256]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, v)
}

// formatAddress renders an RFC 5322 address, encoding non-ASCII names.
func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

func mapSESError(err error) error {
	var (
		rejected  *sestypes.MessageRejected
		suspended *sestypes.AccountSuspendedException
		throttled *sestypes.TooManyRequestsException
		limited   *sestypes.LimitExceededException
		paused    *sestypes.SendingPausedException
	)

	switch {
	case errors.As(err, &rejected), errors.As(err, &suspended):
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SES rejected message: %v", err), err)
	case errors.As(err, &throttled), errors.As(err, &limited):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	case errors.As(err, &paused):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES sending paused: %v", err), err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
	}
}

var _ EmailProvider = (*SESClient)(nil)
