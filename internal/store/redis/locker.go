// Package redis provides Redis-based implementations of the store interfaces.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"argus-logs/internal/config"
)

// prefixLock namespaces lock keys in Redis.
const prefixLock = "argus:lock:"

// retryInterval is how long Lock waits between acquisition attempts.
const retryInterval = 20 * time.Millisecond

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// KeyLocker implements store.KeyLocker using Redis SET NX PX.
// Locks expire after ttl so a crashed holder cannot block a key forever.
type KeyLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewKeyLocker connects to Redis and returns a distributed key locker.
func NewKeyLocker(cfg *config.RedisConfig) (*KeyLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewKeyLockerWithClient(client, cfg.LockTTL), nil
}

// NewKeyLockerWithClient wraps an existing client.
func NewKeyLockerWithClient(client *redis.Client, ttl time.Duration) *KeyLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &KeyLocker{client: client, ttl: ttl}
}

func lockKey(key string) string {
	return prefixLock + key
}

// Lock retries SET NX until it wins or ctx is done.
func (l *KeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := lockKey(key)
	token := uuid.New().String()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire lock %q: %w", key, err)
		}
		if ok {
			return func() { l.release(rkey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// release runs on its own context so a cancelled caller still frees the key.
func (l *KeyLocker) release(rkey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A failed release is cleared by the ttl
	_ = releaseScript.Run(ctx, l.client, []string{rkey}, token).Err()
}

// Ping checks the Redis connection.
func (l *KeyLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *KeyLocker) Close() error {
	return l.client.Close()
}
