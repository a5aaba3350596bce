package config

import "context"

// SecretProvider abstracts secret retrieval so that SSM (deployed) and the
// environment (local) are interchangeable.
type SecretProvider interface {
	// GetParametersBatch resolves keys to plaintext values. Keys that cannot
	// be found are omitted from the result.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
