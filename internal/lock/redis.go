package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLease   = 60 * time.Second
	defaultRetryIn = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a distributed Locker backed by SET NX with a lease.
type Redis struct {
	client  redis.UniversalClient
	lease   time.Duration
	retryIn time.Duration
}

// NewRedis returns a Redis-backed Locker. A zero lease uses the default.
func NewRedis(client redis.UniversalClient, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = defaultLease
	}
	return &Redis{client: client, lease: lease, retryIn: defaultRetryIn}
}

// WithLock implements Locker.
func (r *Redis) WithLock(ctx context.Context, key []string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	k := Key(key)
	token := uuid.NewString()

	if err := r.acquire(ctx, k, token, timeout); err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, r.client, []string{k}, token).Err(); err != nil {
			log.Printf("lock: release %s: %v", k, err)
		}
	}()
	return fn(ctx)
}

func (r *Redis) acquire(ctx context.Context, k, token string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.lease).Result()
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", k, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, k)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryIn):
		}
	}
}
