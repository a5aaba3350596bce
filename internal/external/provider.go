package external

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"

	"bulkmail/internal/config"
)

// NewEmailProvider builds the transport selected by cfg.Provider. awsCfg is
// only used for SES.
func NewEmailProvider(cfg config.EmailConfig, awsCfg aws.Config, logger *slog.Logger) (EmailProvider, error) {
	httpClient := &http.Client{Timeout: cfg.SendTimeout}

	switch cfg.Provider {
	case config.EmailProviderSES:
		return NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.SESConfigSet,
			Logger:        logger,
		}), nil
	case config.EmailProviderSendGrid:
		if !cfg.SendGridAPIKey.IsSet() {
			return nil, fmt.Errorf("SENDGRID_API_KEY is required for provider %q", cfg.Provider)
		}
		return NewSendGridClient(httpClient, SendGridClientConfig{
			APIKey:  cfg.SendGridAPIKey.Unmask(),
			BaseURL: cfg.SendGridBaseURL,
			Logger:  logger,
		}), nil
	case config.EmailProviderResend:
		if !cfg.ResendAPIKey.IsSet() {
			return nil, fmt.Errorf("RESEND_API_KEY is required for provider %q", cfg.Provider)
		}
		return NewResendClient(httpClient, cfg.ResendAPIKey.Unmask(), logger), nil
	case config.EmailProviderStub:
		return NewStubEmailProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}
