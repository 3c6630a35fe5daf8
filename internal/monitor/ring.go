package monitor

import "github.com/org/apiguard/pkg/models"

// ring is a fixed-capacity circular buffer of events. New entries overwrite
// the oldest once full. It is not synchronized; Monitor holds the lock.
type ring struct {
	events   []models.SecurityEvent
	capacity int
	// next is the slot the next push writes to.
	next int
	// total counts every push ever made.
	total uint64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{events: make([]models.SecurityEvent, capacity), capacity: capacity}
}

func (r *ring) push(ev models.SecurityEvent) {
	r.events[r.next] = ev
	r.next = (r.next + 1) % r.capacity
	r.total++
}

func (r *ring) len() int {
	if r.total < uint64(r.capacity) {
		return int(r.total)
	}
	return r.capacity
}

// newestFirst calls fn for each stored event from newest to oldest until fn
// returns false.
func (r *ring) newestFirst(fn func(*models.SecurityEvent) bool) {
	n := r.len()
	for i := 1; i <= n; i++ {
		pos := (r.next - i + r.capacity) % r.capacity
		if !fn(&r.events[pos]) {
			return
		}
	}
}
