package store

import (
	"context"
	"sync"
	"time"
)

type memBucket struct {
	windowStart time.Time
	consumed    int
	blockUntil  time.Time
	expiresAt   time.Time
}

type memValue struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-process TokenStore guarded by a single mutex. It is
// only correct for a single instance. Expired keys are evicted lazily on
// access and by an optional background sweep.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	values  map[string]*memValue
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty store. Call StartSweeper to bound memory
// for long-running processes.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		buckets: make(map[string]*memBucket),
		values:  make(map[string]*memValue),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Consume applies one point against key under the store mutex.
func (m *MemoryStore) Consume(_ context.Context, key string, p Policy) (BucketState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b := m.buckets[key]
	if b != nil && now.Before(b.blockUntil) {
		return BucketState{Allowed: false, Remaining: 0, ResetAt: b.blockUntil, Blocked: true}, nil
	}
	// Start a fresh window when none exists, the window ran out, or an
	// earlier penalty box has elapsed.
	if b == nil || !b.blockUntil.IsZero() || !now.Before(b.windowStart.Add(p.Window)) {
		b = &memBucket{windowStart: now}
		m.buckets[key] = b
	}

	b.consumed++
	windowEnd := b.windowStart.Add(p.Window)
	b.expiresAt = windowEnd

	if b.consumed > p.Points {
		if p.Block > 0 {
			b.blockUntil = now.Add(p.Block)
			if b.blockUntil.After(b.expiresAt) {
				b.expiresAt = b.blockUntil
			}
			return BucketState{Allowed: false, Remaining: 0, ResetAt: b.blockUntil, Blocked: true}, nil
		}
		return BucketState{Allowed: false, Remaining: 0, ResetAt: windowEnd}, nil
	}
	return BucketState{Allowed: true, Remaining: p.Points - b.consumed, ResetAt: windowEnd}, nil
}

// Get returns the value stored at key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

// Set stores value at key. A ttl of zero means no expiry.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := &memValue{data: make([]byte, len(value))}
	copy(v.data, value)
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

// Delete removes key from both keyspaces.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.buckets, key)
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Sweep removes every expired bucket and value and returns how many keys
// were evicted.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for k, b := range m.buckets {
		if !now.Before(b.expiresAt) {
			delete(m.buckets, k)
			n++
		}
	}
	for k, v := range m.values {
		if !v.expiresAt.IsZero() && !now.Before(v.expiresAt) {
			delete(m.values, k)
			n++
		}
	}
	return n
}

// Len reports the number of live keys, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets) + len(m.values)
}

// StartSweeper runs Sweep every interval until Close is called.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 || m.stopped != nil {
		return
	}
	m.stopped = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(m.stopped)
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Close stops the sweeper, if running. Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	if m.stopped != nil {
		<-m.stopped
	}
	return nil
}
