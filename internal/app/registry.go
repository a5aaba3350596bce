// Package app builds the runtime collaborators of the bulk mail binaries from
// configuration. Every entry point (API, SQS worker, NATS worker, jobctl)
// goes through a Registry so that backend selection lives in one place.
//
// Collaborators are created lazily on first use and memoized; Close releases
// whatever was opened, in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"bulkmail/internal/config"
	"bulkmail/internal/core"
	"bulkmail/internal/db"
	"bulkmail/internal/dynamo"
	"bulkmail/internal/external"
	"bulkmail/internal/jobs"
	"bulkmail/internal/lock"
	"bulkmail/internal/queue"
	"bulkmail/internal/recipients"
	"bulkmail/internal/types"
)

// Publisher is satisfied by queue.SQSPublisher and queue.NATSPublisher.
type Publisher interface {
	Publish(ctx context.Context, env types.Envelope) (string, error)
	PublishBatch(ctx context.Context, envs []types.Envelope) ([]queue.BatchResult, error)
}

// Registry holds the lazily built collaborators of one process.
type Registry struct {
	Config *config.Config
	Logger *slog.Logger

	mu      sync.Mutex
	closers []func() error

	aws       *aws.Config
	pool      *pgxpool.Pool
	sqs       *sqs.Client
	codec     *queue.Codec
	status    jobs.StatusStore
	publisher Publisher
	redis     redis.UniversalClient
	js        nats.JetStreamContext
	metrics   *jobs.CloudWatchMetrics
	probes    []core.HealthProbe
}

// New creates a Registry. Nothing is connected until first use.
func New(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{Config: cfg, Logger: logger}
}

// LoadConfig loads configuration, resolving SSM parameters outside local
// mode. region is read before the config exists, so it comes from the
// environment.
func LoadConfig(region string) (*config.Config, error) {
	if region == "" {
		region = "us-east-1"
	}
	return config.LoadConfig(config.NewSSMProvider(region))
}

// AWS returns the shared SDK configuration. AWS_ENDPOINT_URL redirects every
// client, which is how LocalStack is used in development.
func (r *Registry) AWS(ctx context.Context) (aws.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awsLocked(ctx)
}

func (r *Registry) awsLocked(ctx context.Context) (aws.Config, error) {
	if r.aws != nil {
		return *r.aws, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(r.Config.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if r.Config.AWS.EndpointURL != "" {
		cfg.BaseEndpoint = aws.String(r.Config.AWS.EndpointURL)
	}
	r.aws = &cfg
	return cfg, nil
}

func (r *Registry) poolLocked(ctx context.Context) (*pgxpool.Pool, error) {
	if r.pool != nil {
		return r.pool, nil
	}
	pool, err := db.NewPool(ctx, r.Config.Database)
	if err != nil {
		return nil, err
	}
	r.pool = pool
	r.closers = append(r.closers, func() error { pool.Close(); return nil })
	r.probes = append(r.probes, core.NewProbe("database", db.HealthCheck(pool)))
	return pool, nil
}

func (r *Registry) sqsLocked(ctx context.Context) (*sqs.Client, error) {
	if r.sqs != nil {
		return r.sqs, nil
	}
	awsCfg, err := r.awsLocked(ctx)
	if err != nil {
		return nil, err
	}
	r.sqs = sqs.NewFromConfig(awsCfg)
	return r.sqs, nil
}

// Codec returns the envelope codec.
func (r *Registry) Codec() (*queue.Codec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codecLocked()
}

func (r *Registry) codecLocked() (*queue.Codec, error) {
	if r.codec != nil {
		return r.codec, nil
	}
	codec, err := queue.NewCodec(r.Config.Queue.CompressThreshold)
	if err != nil {
		return nil, err
	}
	r.codec = codec
	return codec, nil
}

// StatusStore returns the job status store selected by STATUS_BACKEND.
func (r *Registry) StatusStore(ctx context.Context) (jobs.StatusStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != nil {
		return r.status, nil
	}

	switch backend := r.Config.Worker.StatusBackend; backend {
	case config.StatusBackendPostgres:
		pool, err := r.poolLocked(ctx)
		if err != nil {
			return nil, err
		}
		r.status = db.NewJobStatusRepository(pool)
	case config.StatusBackendDynamoDB:
		awsCfg, err := r.awsLocked(ctx)
		if err != nil {
			return nil, err
		}
		table := dynamo.NewJobStatusTable(dynamodb.NewFromConfig(awsCfg), r.Config.AWS.JobStatusTable)
		r.probes = append(r.probes, core.NewProbe("dynamodb", table.HealthCheck))
		r.status = table
	case config.StatusBackendMemory:
		r.Logger.Warn("using in-memory job status store; status is lost on restart")
		r.status = jobs.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown status backend %q", backend)
	}
	return r.status, nil
}

// statusStoreRetryInterval spaces out attempts to open an unavailable status
// store; calls in between fail fast with the last error.
const statusStoreRetryInterval = 30 * time.Second

// DeferredStatusStore is StatusStore for the API and the workers, which must
// keep running while the store is down. When the store cannot be opened the
// failure is logged and a store is returned that retries the open at most
// every statusStoreRetryInterval, reporting unavailable_status_store until it
// succeeds. A "status_store" health probe tracks the open.
func (r *Registry) DeferredStatusStore(ctx context.Context) jobs.StatusStore {
	store, err := r.StatusStore(ctx)
	if err == nil {
		return store
	}
	r.Logger.Warn("job status store unavailable, continuing without status tracking", "error", err)

	deferred := newDeferredStatusStore(r.StatusStore, err, time.Now)
	r.mu.Lock()
	r.probes = append(r.probes, core.NewProbe("status_store", func(ctx context.Context) error {
		_, err := deferred.store(ctx)
		return err
	}))
	r.mu.Unlock()
	return deferred
}

// deferredStatusStore opens the real store on the first successful attempt.
type deferredStatusStore struct {
	open  func(ctx context.Context) (jobs.StatusStore, error)
	retry time.Duration
	now   func() time.Time

	mu      sync.Mutex
	opened  jobs.StatusStore
	lastErr error
	lastTry time.Time
}

func newDeferredStatusStore(open func(ctx context.Context) (jobs.StatusStore, error), initial error, now func() time.Time) *deferredStatusStore {
	return &deferredStatusStore{
		open:    open,
		retry:   statusStoreRetryInterval,
		now:     now,
		lastErr: unavailableStatusStore(initial),
		lastTry: now(),
	}
}

func unavailableStatusStore(err error) error {
	return types.NewAppError(types.ErrCodeUnavailableStatusStore, "job status store is unavailable", err)
}

func (d *deferredStatusStore) store(ctx context.Context) (jobs.StatusStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opened != nil {
		return d.opened, nil
	}
	if d.now().Sub(d.lastTry) < d.retry {
		return nil, d.lastErr
	}

	d.lastTry = d.now()
	s, err := d.open(ctx)
	if err != nil {
		d.lastErr = unavailableStatusStore(err)
		return nil, d.lastErr
	}
	d.opened = s
	return s, nil
}

func (d *deferredStatusStore) Upsert(ctx context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (bool, error) {
	s, err := d.store(ctx)
	if err != nil {
		return false, err
	}
	return s.Upsert(ctx, jobID, status, fields)
}

func (d *deferredStatusStore) Get(ctx context.Context, jobID string) (*types.JobRecord, error) {
	s, err := d.store(ctx)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, jobID)
}

// Publisher returns the queue publisher selected by QUEUE_BACKEND.
func (r *Registry) Publisher(ctx context.Context) (Publisher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.publisher != nil {
		return r.publisher, nil
	}
	codec, err := r.codecLocked()
	if err != nil {
		return nil, err
	}

	switch backend := r.Config.Queue.Backend; backend {
	case config.QueueBackendSQS:
		client, err := r.sqsLocked(ctx)
		if err != nil {
			return nil, err
		}
		inspector := queue.NewInspector(client, r.Config.AWS.QueueURL, "")
		r.probes = append(r.probes, core.NewProbe("queue", inspector.HealthCheck))
		r.publisher = queue.NewSQSPublisher(client, r.Config.AWS.QueueURL, codec, nil)
	case config.QueueBackendNATS:
		js, err := r.jetStreamLocked()
		if err != nil {
			return nil, err
		}
		r.publisher = queue.NewNATSPublisher(js, r.Config.Queue.NATSSubject, codec)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
	return r.publisher, nil
}

// JetStream returns the JetStream context, connecting on first use.
func (r *Registry) JetStream() (nats.JetStreamContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jetStreamLocked()
}

func (r *Registry) jetStreamLocked() (nats.JetStreamContext, error) {
	if r.js != nil {
		return r.js, nil
	}
	nc, js, err := queue.ConnectJetStream(r.Config.Queue.NATSURL, r.Config.Queue.NATSStream)
	if err != nil {
		return nil, err
	}
	r.js = js
	r.closers = append(r.closers, func() error { return nc.Drain() })
	r.probes = append(r.probes, core.NewProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats: not connected")
		}
		return nil
	}))
	return js, nil
}

// Inspector returns a queue inspector for the SQS main queue and DLQ.
func (r *Registry) Inspector(ctx context.Context) (*queue.Inspector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, err := r.sqsLocked(ctx)
	if err != nil {
		return nil, err
	}
	return queue.NewInspector(client, r.Config.AWS.QueueURL, r.Config.AWS.DLQURL), nil
}

// Redriver returns a DLQ redriver. SQS_DLQ_URL must be set.
func (r *Registry) Redriver(ctx context.Context) (*queue.Redriver, error) {
	if r.Config.AWS.DLQURL == "" {
		return nil, errors.New("SQS_DLQ_URL is not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	client, err := r.sqsLocked(ctx)
	if err != nil {
		return nil, err
	}
	return queue.NewRedriver(client, r.Config.AWS.DLQURL, r.Config.AWS.QueueURL, r.Logger), nil
}

// Resolver returns the recipient resolver selected by RECIPIENT_SOURCE.
func (r *Registry) Resolver(ctx context.Context) (*recipients.Resolver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dir recipients.Directory
	switch source := r.Config.Worker.RecipientSource; source {
	case config.RecipientSourcePostgres:
		pool, err := r.poolLocked(ctx)
		if err != nil {
			return nil, err
		}
		dir = db.NewRecipientRepository(pool)
	case config.RecipientSourcePlaceholder:
		dir = recipients.PlaceholderDirectory{}
	default:
		return nil, fmt.Errorf("unknown recipient source %q", source)
	}
	return recipients.NewResolver(dir, types.NewSlogLogger(r.Logger.With("component", "resolver"))), nil
}

// MailTransport returns the email provider selected by EMAIL_PROVIDER.
func (r *Registry) MailTransport(ctx context.Context) (jobs.MailTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var awsCfg aws.Config
	if r.Config.Email.Provider == config.EmailProviderSES {
		var err error
		if awsCfg, err = r.awsLocked(ctx); err != nil {
			return nil, err
		}
	}
	return external.NewEmailProvider(r.Config.Email, awsCfg, r.Logger.With("client", r.Config.Email.Provider))
}

// Locker returns the single-owner job lease. Redis is used when REDIS_URL is
// set, the Postgres job_leases table when the status store is Postgres, and
// nil otherwise.
func (r *Registry) Locker(ctx context.Context) (jobs.Locker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ttl := r.Config.Worker.JobLockTTL
	if r.Config.Redis.URL.IsSet() {
		client, err := r.redisLocked()
		if err != nil {
			return nil, err
		}
		return lock.NewRedisLocker(client, r.Config.Redis.KeyPrefix, ttl), nil
	}
	if r.Config.Worker.StatusBackend == config.StatusBackendPostgres {
		pool, err := r.poolLocked(ctx)
		if err != nil {
			return nil, err
		}
		return db.NewJobLeaseRepository(pool, ttl), nil
	}
	return nil, nil
}

func (r *Registry) redisLocked() (redis.UniversalClient, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := lock.NewClient(r.Config.Redis.URL.Unmask())
	if err != nil {
		return nil, err
	}
	r.redis = client
	r.closers = append(r.closers, client.Close)
	r.probes = append(r.probes, core.NewProbe("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	return client, nil
}

// Metrics returns the CloudWatch sink, or nil when ENABLE_METRICS is off.
func (r *Registry) Metrics(ctx context.Context) (*jobs.CloudWatchMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Config.Observability.EnableMetrics {
		return nil, nil
	}
	if r.metrics != nil {
		return r.metrics, nil
	}
	awsCfg, err := r.awsLocked(ctx)
	if err != nil {
		return nil, err
	}
	r.metrics = jobs.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg),
		r.Config.Observability.MetricNamespace,
		types.NewSlogLogger(r.Logger.With("component", "metrics")),
	)
	return r.metrics, nil
}

// Runner assembles the job pipeline used by both queue consumers. Neither an
// unreachable status store nor an unreachable lease store stops delivery.
func (r *Registry) Runner(ctx context.Context) (*jobs.Runner, error) {
	store := r.DeferredStatusStore(ctx)
	resolver, err := r.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("recipient resolver: %w", err)
	}
	transport, err := r.MailTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("mail transport: %w", err)
	}
	locker, err := r.Locker(ctx)
	if err != nil {
		r.Logger.Warn("job lease unavailable, relying on queue visibility alone", "error", err)
		locker = nil
	}

	var metrics jobs.Metrics = jobs.NopMetrics{}
	if cw, err := r.Metrics(ctx); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	} else if cw != nil {
		metrics = cw
	}

	logger := types.NewSlogLogger(r.Logger)
	sender := types.SenderIdentity{Name: r.Config.Email.FromName, Address: r.Config.Email.FromAddress}

	orch := jobs.NewOrchestrator(jobs.OrchestratorConfig{
		Store:         store,
		Resolver:      resolver,
		Dispatcher:    jobs.NewDispatcher(transport, sender, logger),
		Metrics:       metrics,
		Logger:        logger,
		Concurrency:   r.Config.Worker.DispatchConcurrency,
		StatusTimeout: r.Config.Worker.StatusWriteTimeout,
	})

	return jobs.NewRunner(jobs.RunnerConfig{
		Orchestrator:  orch,
		Store:         store,
		SkipCompleted: r.Config.Worker.SkipCompletedJobs,
		Locker:        locker,
		Logger:        logger,
		StatusTimeout: r.Config.Worker.StatusWriteTimeout,
	}), nil
}

// Probes returns health probes for every backend opened so far.
func (r *Registry) Probes() []core.HealthProbe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.HealthProbe(nil), r.probes...)
}

// Close releases opened connections in reverse order and returns the first
// error.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
