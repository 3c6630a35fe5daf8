package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Decision is the outcome of one Consume call.
type Decision struct {
	Scope     Scope
	Key       string
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Blocked is set while the key sits in the penalty box.
	Blocked bool
	// FailOpen marks a request allowed only because the limiter could not
	// decide (unknown scope, store failure).
	FailOpen bool
	// Skipped marks a request allowed because limiting is disabled.
	Skipped bool

	now func() time.Time
}

// RetryAfterSeconds is the whole number of seconds until ResetAt, rounded up
// and never below 1.
func (d Decision) RetryAfterSeconds() int {
	now := time.Now
	if d.now != nil {
		now = d.now
	}
	wait := d.ResetAt.Sub(now())
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WriteHeaders sets the X-RateLimit-* headers and, on denial, Retry-After.
// Nothing is written for skipped or fail-open decisions.
func (d Decision) WriteHeaders(w http.ResponseWriter) {
	if d.Skipped || d.FailOpen || d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}
