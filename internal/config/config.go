// Package config defines the configuration for the bulkmail API, worker and
// operator CLI. Configuration is loaded once at process start and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format aborts startup.
package config

import (
	"time"

	"bulkmail/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for secret fields.
type SecretString = types.SecretString

// Backend names accepted by the selector fields below.
const (
	StatusBackendPostgres = "postgres"
	StatusBackendDynamoDB = "dynamodb"
	StatusBackendMemory   = "memory"

	RecipientSourcePostgres    = "postgres"
	RecipientSourcePlaceholder = "placeholder"

	QueueBackendSQS  = "sqs"
	QueueBackendNATS = "nats"

	EmailProviderSES      = "ses"
	EmailProviderSendGrid = "sendgrid"
	EmailProviderResend   = "resend"
	EmailProviderStub     = "stub"
)

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"bulkmail"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Email         EmailConfig
	Worker        WorkerConfig
	Queue         QueueConfig
	Redis         RedisConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo `ignored:"true"`
}

// IsLocal reports whether the process runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// ServerConfig holds HTTP server settings for the enqueue API.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// APIKeys maps a client name to the bcrypt hash of its key,
	// e.g. "campaigns:$2a$12$...,ops:$2a$12$...". Empty disables auth.
	APIKeys map[string]string `envconfig:"API_KEYS"`
}

// DatabaseConfig holds the Postgres connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region         string `envconfig:"AWS_REGION" default:"us-east-1"`
	QueueURL       string `envconfig:"SQS_QUEUE_URL" validate:"omitempty,url"`
	DLQURL         string `envconfig:"SQS_DLQ_URL" validate:"omitempty,url"`
	JobStatusTable string `envconfig:"JOB_STATUS_TABLE" default:"email-job-status"`

	// LocalStack support; empty in deployed environments.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// EmailConfig selects and configures the mail transport.
type EmailConfig struct {
	Provider        string        `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid resend stub"`
	FromAddress     string        `envconfig:"EMAIL_FROM_ADDRESS" default:"noreply@yourcompany.com" validate:"email"`
	FromName        string        `envconfig:"EMAIL_FROM_NAME"`
	SESConfigSet    string        `envconfig:"SES_CONFIGURATION_SET"`
	SendGridAPIKey  SecretString  `envconfig:"SENDGRID_API_KEY"`
	SendGridBaseURL string        `envconfig:"SENDGRID_BASE_URL" validate:"omitempty,url"`
	ResendAPIKey    SecretString  `envconfig:"RESEND_API_KEY"`
	SendTimeout     time.Duration `envconfig:"EMAIL_SEND_TIMEOUT" default:"10s"`
}

// WorkerConfig tunes job processing.
//
// JobLockTTL must stay below Queue.VisibilityTimeout: a lease left behind by a
// worker that died mid-job has to expire before the queue redelivers the
// message, or every redelivery is refused as locked and the job is
// dead-lettered without a retry. When unset it is derived from the visibility
// timeout at load.
type WorkerConfig struct {
	DispatchConcurrency int           `envconfig:"DISPATCH_CONCURRENCY" default:"10" validate:"min=1,max=100"`
	JobLockTTL          time.Duration `envconfig:"JOB_LOCK_TTL"`
	StatusBackend       string        `envconfig:"STATUS_BACKEND" default:"postgres" validate:"oneof=postgres dynamodb memory"`
	RecipientSource     string        `envconfig:"RECIPIENT_SOURCE" default:"postgres" validate:"oneof=postgres placeholder"`
	SkipCompletedJobs   bool          `envconfig:"SKIP_COMPLETED_JOBS" default:"true"`
	StatusWriteTimeout  time.Duration `envconfig:"STATUS_WRITE_TIMEOUT" default:"2s" validate:"min=1ms"`
}

// QueueConfig selects the queue transport. Redelivery and dead-lettering are
// owned by the queue itself; MaxReceiveCount mirrors the configured redrive
// policy for reporting only. VisibilityTimeout must match the SQS queue's
// visibility timeout and is the JetStream AckWait on NATS.
type QueueConfig struct {
	Backend           string        `envconfig:"QUEUE_BACKEND" default:"sqs" validate:"oneof=sqs nats"`
	NATSURL           string        `envconfig:"NATS_URL"`
	NATSStream        string        `envconfig:"NATS_STREAM" default:"EMAILS"`
	NATSSubject       string        `envconfig:"NATS_SUBJECT" default:"EMAILS.send"`
	NATSDurable       string        `envconfig:"NATS_DURABLE" default:"email-worker"`
	CompressThreshold int           `envconfig:"COMPRESS_THRESHOLD_BYTES" default:"65536" validate:"min=0"`
	MaxReceiveCount   int           `envconfig:"MAX_RECEIVE_COUNT" default:"3" validate:"min=1"`
	VisibilityTimeout time.Duration `envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"15m" validate:"min=1s"`
}

// RedisConfig enables the single-owner job lease when URL is set.
type RedisConfig struct {
	URL       SecretString `envconfig:"REDIS_URL"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"bulkmail:"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BulkMail"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an env value could not be parsed into its field type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
