package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	billing "water-billing/internal/billing/domain"
)

const defaultKeyPrefix = "water-billing:lock:"

// ErrLeaseLost is returned by release when the lease expired or was taken over.
var ErrLeaseLost = errors.New("lock: lease lost")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker leases keys across processes with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker constructs a RedisLocker. An empty prefix uses the default.
func NewRedisLocker(client redis.UniversalClient, prefix string) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker: nil client")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}, nil
}

// Acquire takes key for ttl or fails with billing.ErrRunInProgress.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis locker: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrRunInProgress, key)
	}
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("redis locker: release %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrLeaseLost, key)
		}
		return nil
	}, nil
}
