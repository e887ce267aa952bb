// Package lock provides advisory mutexes keyed by composite resource keys.
// They prevent redundant concurrent recomputation; transactional invariants
// are still enforced by the database.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired in time. It is
// retryable.
var ErrTimeout = errors.New("lock: acquire timeout")

// DefaultTimeout bounds lock acquisition when the caller passes zero.
const DefaultTimeout = 20 * time.Second

// Locker runs fn while holding the mutex identified by key.
type Locker interface {
	WithLock(ctx context.Context, key []string, timeout time.Duration, fn func(ctx context.Context) error) error
}

// Key joins composite key parts into the storage key.
func Key(parts []string) string {
	return "lock:" + strings.Join(parts, ":")
}
