// loader.go implements the configuration loading lifecycle:
//  1. Enforce the UTC timezone.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Unless APP_ENV=local, resolve *_SSM_PARAM pointers through the
//     SecretProvider and inject the values into the environment.
//  4. Populate Config from struct tags with envconfig.
//  5. Validate tags with go-playground/validator, then check that every
//     selected backend has the settings it needs.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: REDIS_URL_SSM_PARAM=/prod/bulkmail/redis
// resolves into REDIS_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// loaderDeps holds the process-environment functions so tests can run the
// loader without touching global state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration. provider may be nil in
// local mode, where SSM resolution is skipped.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Does not override variables already present in the environment.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := checkBackends(&cfg); err != nil {
		return nil, err
	}
	if err := applyLeaseTTL(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// leaseHeadroom is the share of the visibility timeout a derived lease gives
// up, so the lease lapses before the queue redelivers.
const leaseHeadroom = 10

// applyLeaseTTL derives JobLockTTL from the visibility timeout when it is not
// set and rejects one that would outlive it.
func applyLeaseTTL(cfg *Config) error {
	visibility := cfg.Queue.VisibilityTimeout
	if cfg.Worker.JobLockTTL <= 0 {
		cfg.Worker.JobLockTTL = visibility - visibility/leaseHeadroom
		return nil
	}
	if cfg.Worker.JobLockTTL >= visibility {
		msg := fmt.Sprintf("JOB_LOCK_TTL (%s) must be shorter than QUEUE_VISIBILITY_TIMEOUT (%s)",
			cfg.Worker.JobLockTTL, visibility)
		return &ConfigError{Type: ErrValidation, Message: msg}
	}
	return nil
}

// checkBackends verifies that each selected backend has its connection
// settings. These are conditional requirements the struct tags cannot express.
func checkBackends(cfg *Config) error {
	var missing []string

	needsDB := cfg.Worker.StatusBackend == StatusBackendPostgres ||
		cfg.Worker.RecipientSource == RecipientSourcePostgres
	if needsDB && !cfg.Database.URL.IsSet() {
		missing = append(missing, "DATABASE_URL")
	}

	switch cfg.Email.Provider {
	case EmailProviderSendGrid:
		if !cfg.Email.SendGridAPIKey.IsSet() {
			missing = append(missing, "SENDGRID_API_KEY")
		}
	case EmailProviderResend:
		if !cfg.Email.ResendAPIKey.IsSet() {
			missing = append(missing, "RESEND_API_KEY")
		}
	}

	switch cfg.Queue.Backend {
	case QueueBackendSQS:
		if cfg.AWS.QueueURL == "" {
			missing = append(missing, "SQS_QUEUE_URL")
		}
	case QueueBackendNATS:
		if cfg.Queue.NATSURL == "" {
			missing = append(missing, "NATS_URL")
		}
	}

	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("required for the selected backends: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

// ResolveSecrets runs only the SSM resolution step. Entry points that read a
// handful of variables directly (the operator CLI) call it before os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams fetches every *_SSM_PARAM pointer whose target variable is
// not already set and writes the values back into the environment, so that
// direct env vars and .env entries win over SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	// ssm path -> target env var
	targets := make(map[string]string)
	var paths []string

	for _, entry := range deps.environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key, ssmPath := entry[:eq], entry[eq+1:]
		if !strings.HasSuffix(key, ssmParamSuffix) || ssmPath == "" {
			continue
		}

		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if _, dup := targets[ssmPath]; !dup {
			paths = append(paths, ssmPath)
		}
		targets[ssmPath] = target
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		names := make([]string, 0, len(paths))
		for _, p := range paths {
			names = append(names, targets[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, p := range paths {
		value, ok := resolved[p]
		if !ok {
			missing = append(missing, targets[p])
			continue
		}
		if err := deps.setEnv(targets[p], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targets[p]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
