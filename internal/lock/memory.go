package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker, used by tests and single-node setups.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// slot is held by its owner and referenced by every waiter.
type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory returns an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

func (m *Memory) acquireSlot(k string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[k] = s
	}
	s.refs++
	return s
}

// releaseSlot drops a reference and forgets the key once nobody holds or
// waits for it.
func (m *Memory) releaseSlot(k string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, k)
	}
}

// size returns the number of keys currently tracked.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// WithLock implements Locker.
func (m *Memory) WithLock(ctx context.Context, key []string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	k := Key(key)
	s := m.acquireSlot(k)
	defer m.releaseSlot(k, s)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()
	return fn(ctx)
}
