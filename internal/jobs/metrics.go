package jobs

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"bulkmail/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes job telemetry to CloudWatch. Publish failures
// are logged and dropped.
//
// Metrics emitted:
//   - JobsProcessed: Dims {Result}, once per job
//   - EmailsSent, EmailsFailed, ResolutionFailures: no dims, per job counts
//   - JobDuration: milliseconds, Dims {Result}
//   - QueueLag: milliseconds between enqueue and processing start
//   - JobsEnqueued: Dims {Priority}, emitted by the API
//   - APILatency, APIRequestCount: Dims {Method, Endpoint, Status}, emitted by the API
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace falls
// back to types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordJob emits the per-job counters in a single PutMetricData call.
func (m *CloudWatchMetrics) RecordJob(ctx context.Context, report JobReport) {
	result := []cwtypes.Dimension{
		{Name: aws.String(types.DimResult), Value: aws.String(string(report.Status))},
	}

	m.put(ctx, "job",
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricJobsProcessed),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: result,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricEmailsSent),
			Value:      aws.Float64(float64(report.EmailsSent)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricEmailsFailed),
			Value:      aws.Float64(float64(report.EmailsFailed)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricResolutionFailures),
			Value:      aws.Float64(float64(report.ResolutionFailures)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricJobDuration),
			Value:      aws.Float64(float64(report.Duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: result,
		},
	)
}

// RecordQueueLag emits the time a message waited in the queue.
func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, "queue lag", cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// RecordEnqueued counts a job accepted by the API.
func (m *CloudWatchMetrics) RecordEnqueued(ctx context.Context, priority types.Priority) {
	m.put(ctx, "enqueue", cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricJobsEnqueued),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimPriority), Value: aws.String(string(priority.OrDefault()))},
		},
	})
}

// RecordRequest implements the API chassis MetricsCollector. It has no
// request context, so the publish is bounded by apiMetricTimeout instead.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), apiMetricTimeout)
	defer cancel()

	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimMethod), Value: aws.String(method)},
		{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(types.DimStatus), Value: aws.String(status)},
	}
	m.put(ctx, "api request",
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricAPIRequestCount),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
	)
}

const apiMetricTimeout = 2 * time.Second

func (m *CloudWatchMetrics) put(ctx context.Context, what string, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to record "+what+" metric", "error", err.Error())
	}
}
