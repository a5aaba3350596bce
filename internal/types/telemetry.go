package types

// CloudWatch metric names and dimensions emitted by the worker and API.
const (
	MetricJobsProcessed      = "JobsProcessed"
	MetricEmailsSent         = "EmailsSent"
	MetricEmailsFailed       = "EmailsFailed"
	MetricResolutionFailures = "ResolutionFailures"
	MetricJobDuration        = "JobDuration"
	MetricQueueLag           = "QueueLag"
	MetricJobsEnqueued       = "JobsEnqueued"
	MetricAPILatency         = "APILatency"
	MetricAPIRequestCount    = "APIRequestCount"

	DimResult   = "Result"
	DimProvider = "Provider"
	DimPriority = "Priority"
	DimEndpoint = "Endpoint"
	DimMethod   = "Method"
	DimStatus   = "Status"

	MetricNamespace = "BulkMail"
)
