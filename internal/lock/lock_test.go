package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestKey(t *testing.T) {
	got := Key([]string{"conclude-build", "b-1"})
	if got != "lock:conclude-build:b-1" {
		t.Errorf("Key() = %q, want %q", got, "lock:conclude-build:b-1")
	}
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, time.Minute), s
}

func lockers(t *testing.T) map[string]Locker {
	r, _ := newRedisLocker(t)
	return map[string]Locker{
		"memory": NewMemory(),
		"redis":  r,
	}
}

func TestWithLock_Exclusive(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := l.WithLock(context.Background(), []string{"build", "b-1"}, 5*time.Second, func(ctx context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(5 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						return nil
					})
					if err != nil {
						t.Errorf("WithLock: %v", err)
					}
				}()
			}
			wg.Wait()
			if maxInside != 1 {
				t.Errorf("max concurrent holders = %d, want 1", maxInside)
			}
		})
	}
}

func TestWithLock_Timeout(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			held := make(chan struct{})
			release := make(chan struct{})
			go l.WithLock(context.Background(), []string{"project", "p-1"}, time.Second, func(ctx context.Context) error {
				close(held)
				<-release
				return nil
			})
			<-held
			defer close(release)

			err := l.WithLock(context.Background(), []string{"project", "p-1"}, 100*time.Millisecond, func(ctx context.Context) error {
				t.Error("fn should not run without the lock")
				return nil
			})
			if !errors.Is(err, ErrTimeout) {
				t.Errorf("err = %v, want ErrTimeout", err)
			}
		})
	}
}

func TestWithLock_PropagatesError(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("boom")
			err := l.WithLock(context.Background(), []string{"k"}, time.Second, func(ctx context.Context) error { return boom })
			if !errors.Is(err, boom) {
				t.Errorf("err = %v, want boom", err)
			}
			// The lock is released after an error.
			if err := l.WithLock(context.Background(), []string{"k"}, 200*time.Millisecond, func(ctx context.Context) error { return nil }); err != nil {
				t.Errorf("second WithLock: %v", err)
			}
		})
	}
}

func TestWithLock_DifferentKeysDoNotBlock(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			err := l.WithLock(context.Background(), []string{"a"}, time.Second, func(ctx context.Context) error {
				return l.WithLock(ctx, []string{"b"}, 100*time.Millisecond, func(ctx context.Context) error { return nil })
			})
			if err != nil {
				t.Errorf("nested different keys: %v", err)
			}
		})
	}
}

func TestRedis_ReleasesKey(t *testing.T) {
	l, s := newRedisLocker(t)
	err := l.WithLock(context.Background(), []string{"conclude-build", "b-9"}, time.Second, func(ctx context.Context) error {
		if !s.Exists("lock:conclude-build:b-9") {
			t.Error("key should exist while held")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if s.Exists("lock:conclude-build:b-9") {
		t.Error("key should be deleted after release")
	}
}

func TestMemory_ForgetsReleasedKeys(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"conclude-build", string(rune('a' + i%5))}
			if err := m.WithLock(context.Background(), key, 5*time.Second, func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				return nil
			}); err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if n := m.size(); n != 0 {
		t.Errorf("tracked keys = %d, want 0", n)
	}
}

func TestMemory_KeepsKeyWhileWaiting(t *testing.T) {
	m := NewMemory()
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.WithLock(context.Background(), []string{"k"}, time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// A timed-out waiter must not drop the key from under the holder.
	if err := m.WithLock(context.Background(), []string{"k"}, 10*time.Millisecond, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrTimeout) {
		t.Fatalf("waiter err = %v, want ErrTimeout", err)
	}
	if n := m.size(); n != 1 {
		t.Errorf("tracked keys while held = %d, want 1", n)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
	if n := m.size(); n != 0 {
		t.Errorf("tracked keys after release = %d, want 0", n)
	}
}
