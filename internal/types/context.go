package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	apiClientKey contextKey = "api_client"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithAPIClient records the name of the API client that authenticated the
// request.
func WithAPIClient(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, apiClientKey, name)
}

// GetAPIClient returns the authenticated API client name, if any.
func GetAPIClient(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(apiClientKey).(string)
	return name, ok && name != ""
}
