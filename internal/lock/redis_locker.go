// Package lock provides the single-owner job lease used by the email worker
// when Redis is configured.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds the caller's token,
// so an expired lease re-acquired by another worker is never released.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// redisCmdable is the subset of redis.UniversalClient the locker uses.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisLocker leases job ids with SET NX and a TTL. The TTL bounds how long
// a crashed worker can block redelivery of its job.
type RedisLocker struct {
	client redisCmdable
	prefix string
	ttl    time.Duration
	token  func() string
}

// NewRedisLocker creates a RedisLocker. Keys are prefix + "joblock:" + jobID.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	return newRedisLocker(client, prefix, ttl)
}

func newRedisLocker(client redisCmdable, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		token:  uuid.NewString,
	}
}

func (l *RedisLocker) key(jobID string) string {
	return l.prefix + "joblock:" + jobID
}

// Acquire returns a token when the lease was taken. acquired is false when
// another worker holds it.
func (l *RedisLocker) Acquire(ctx context.Context, jobID string) (string, bool, error) {
	if jobID == "" {
		return "", false, errors.New("job id cannot be empty")
	}

	token := l.token()
	ok, err := l.client.SetNX(ctx, l.key(jobID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lease if token still owns it.
func (l *RedisLocker) Release(ctx context.Context, jobID, token string) error {
	if token == "" {
		return nil
	}
	if err := l.client.Eval(ctx, releaseScript, []string{l.key(jobID)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// NewClient parses a redis:// URL into a client.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
