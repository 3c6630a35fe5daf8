package ratelimit

import (
	"sync"
	"time"
)

// pruneEvery is how many marks go by between full expiry scans.
const pruneEvery = 1024

// trustedSet remembers recently authenticated user ids. Entries expire
// after ttl so the set stays bounded on long-running processes.
type trustedSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	until   map[string]time.Time
	inserts int
	now     func() time.Time
}

func newTrustedSet(ttl time.Duration) *trustedSet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &trustedSet{ttl: ttl, until: make(map[string]time.Time), now: time.Now}
}

func (t *trustedSet) mark(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.until[id] = now.Add(t.ttl)
	t.inserts++
	if t.inserts%pruneEvery == 0 {
		t.pruneLocked(now)
	}
}

func (t *trustedSet) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.until[id]
	if !ok {
		return false
	}
	if !t.now().Before(exp) {
		delete(t.until, id)
		return false
	}
	return true
}

func (t *trustedSet) pruneLocked(now time.Time) {
	for id, exp := range t.until {
		if !now.Before(exp) {
			delete(t.until, id)
		}
	}
}

func (t *trustedSet) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.until)
}
