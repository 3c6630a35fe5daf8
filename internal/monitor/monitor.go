// Package monitor is the security event log. Every pipeline stage reports
// into it; it keeps a bounded in-memory history, derives brute-force and
// suspicious-source signals from the stream, and fans critical events out to
// alert hooks.
package monitor

import (
	"context"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/reqctx"
	"github.com/org/apiguard/pkg/models"
)

const (
	defaultQueryLimit = 100
	archiveQueueSize  = 1024
	// repeatOffender is the number of suspicion marks after which a
	// suspicious_ip event is raised as critical.
	repeatOffender = 3
)

// Archiver persists events outside the process.
type Archiver interface {
	Archive(ctx context.Context, ev *models.SecurityEvent) error
}

type suspicion struct {
	count int
	until time.Time
}

// Monitor records security events. Safe for concurrent use.
type Monitor struct {
	cfg config.MonitorConfig
	now func() time.Time

	mu         sync.Mutex
	ring       *ring
	failed     map[string][]time.Time
	suspicious map[string]*suspicion

	hooks    []AlertHook
	archiver Archiver
	archiveQ chan models.SecurityEvent

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithAlertHook adds a hook invoked for every critical event.
func WithAlertHook(h AlertHook) Option {
	return func(m *Monitor) { m.hooks = append(m.hooks, h) }
}

// WithArchiver forwards every recorded event to a. Archiving runs on a
// background worker started by Start.
func WithArchiver(a Archiver) Option {
	return func(m *Monitor) {
		m.archiver = a
		m.archiveQ = make(chan models.SecurityEvent, archiveQueueSize)
	}
}

// New creates a Monitor from cfg.
func New(cfg config.MonitorConfig, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		now:        time.Now,
		ring:       newRing(cfg.Capacity),
		failed:     make(map[string][]time.Time),
		suspicious: make(map[string]*suspicion),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Record appends ev to the log, assigning its id and timestamp, and returns
// the stored copy. Derived events (brute force, suspicious source) are
// recorded after it.
func (m *Monitor) Record(ev models.SecurityEvent) models.SecurityEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = models.SeverityLow
	}

	// The stored event owns its details; neither the caller's map nor any
	// copy handed out later aliases it.
	ev.Details = maps.Clone(ev.Details)
	stored := ev
	stored.Details = maps.Clone(ev.Details)

	m.mu.Lock()
	m.ring.push(stored)
	derived := m.deriveLocked(&ev)
	m.mu.Unlock()

	eventsTotal.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
	logEvent(&ev)

	if ev.Severity == models.SeverityCritical {
		m.alert(ev)
	}
	if m.archiveQ != nil {
		select {
		case m.archiveQ <- withDetailsCopy(ev):
		default:
			archiveDropped.Inc()
		}
	}

	for _, d := range derived {
		m.Record(d)
	}
	return ev
}

// RecordContext records an event of typ for the request carried by ctx.
// Caller address, user, route and request id come from the RequestContext.
func (m *Monitor) RecordContext(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) models.SecurityEvent {
	ev := models.SecurityEvent{Type: typ, Severity: sev, Details: details}
	if rc, ok := reqctx.From(ctx); ok {
		ev.RequestID = rc.RequestID
		ev.IP = rc.ClientIP
		ev.UserID = rc.UserID()
		ev.Path = rc.Path
		ev.Method = rc.Method
	}
	return m.Record(ev)
}

// RecordRequest is RecordContext for r, falling back to the request line and
// remote address when r carries no RequestContext.
func (m *Monitor) RecordRequest(r *http.Request, typ models.EventType, sev models.Severity, details map[string]any) models.SecurityEvent {
	if _, ok := reqctx.From(r.Context()); ok {
		return m.RecordContext(r.Context(), typ, sev, details)
	}
	return m.Record(models.SecurityEvent{
		Type:     typ,
		Severity: sev,
		IP:       reqctx.ClientIP(r, false),
		Path:     r.URL.Path,
		Method:   r.Method,
		Details:  details,
	})
}

// deriveLocked updates the failed-attempt and suspicion indexes for ev and
// returns any events the update raises. The source is marked suspicious at
// most once per event.
func (m *Monitor) deriveLocked(ev *models.SecurityEvent) []models.SecurityEvent {
	var keys []string
	switch ev.Type {
	case models.EventLoginFailed:
		if ev.IP != "" {
			keys = append(keys, "ip:"+ev.IP)
		}
		if ev.UserID != "" {
			keys = append(keys, "user:"+ev.UserID)
		}
	case models.EventSQLInjectionAttempt, models.EventXSSAttempt:
		if ev.IP != "" {
			keys = append(keys, "probe:"+ev.IP)
		}
	case models.EventLoginSuccess:
		if ev.UserID != "" {
			delete(m.failed, "user:"+ev.UserID)
		}
		return nil
	default:
		return nil
	}

	var out []models.SecurityEvent
	for _, key := range keys {
		if n, crossed := m.countFailureLocked(key); crossed {
			out = append(out, bruteForceEvent(ev, key, n, m.cfg.FailedLoginWindow))
		}
	}
	if len(out) > 0 && ev.IP != "" {
		out = append(out, m.markLocked(ev.IP, "threshold exceeded for "+string(ev.Type)))
	}
	return out
}

// countFailureLocked appends a failure under key and reports the rolling
// count and whether this failure is the one that reached the threshold.
func (m *Monitor) countFailureLocked(key string) (int, bool) {
	now := m.now()
	attempts := pruneBefore(append(m.failed[key], now), now.Add(-m.cfg.FailedLoginWindow))
	m.failed[key] = attempts
	return len(attempts), len(attempts) == m.cfg.BruteForceThreshold
}

func bruteForceEvent(ev *models.SecurityEvent, key string, attempts int, window time.Duration) models.SecurityEvent {
	return models.SecurityEvent{
		Type:      models.EventBruteForceDetected,
		Severity:  models.SeverityHigh,
		UserID:    ev.UserID,
		IP:        ev.IP,
		Path:      ev.Path,
		Method:    ev.Method,
		RequestID: ev.RequestID,
		Details: map[string]any{
			"key":      key,
			"attempts": attempts,
			"window":   window.String(),
			"trigger":  string(ev.Type),
		},
	}
}

func (m *Monitor) markLocked(ip, reason string) models.SecurityEvent {
	s, ok := m.suspicious[ip]
	if !ok {
		s = &suspicion{}
		m.suspicious[ip] = s
	}
	s.count++
	s.until = m.now().Add(m.cfg.SuspicionDecay)
	suspiciousIPs.Set(float64(len(m.suspicious)))

	sev := models.SeverityHigh
	if s.count >= repeatOffender {
		sev = models.SeverityCritical
	}
	return models.SecurityEvent{
		Type:     models.EventSuspiciousIP,
		Severity: sev,
		IP:       ip,
		Details:  map[string]any{"reason": reason, "count": s.count, "until": s.until.UTC()},
	}
}

// MarkSuspicious flags ip for the decay period and records a suspicious_ip
// event.
func (m *Monitor) MarkSuspicious(ip, reason string) {
	m.mu.Lock()
	ev := m.markLocked(ip, reason)
	m.mu.Unlock()
	m.Record(ev)
}

// IsSuspicious reports whether ip is currently flagged.
func (m *Monitor) IsSuspicious(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suspicious[ip]
	return ok && m.now().Before(s.until)
}

// FailedAttempts returns the rolling failure count for ip.
func (m *Monitor) FailedAttempts(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.FailedLoginWindow)
	n := 0
	for _, ts := range m.failed["ip:"+ip] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Query returns matching events, newest first.
func (m *Monitor) Query(f models.EventFilter) []models.SecurityEvent {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SecurityEvent, 0, min(limit, m.ring.len()))
	m.ring.newestFirst(func(ev *models.SecurityEvent) bool {
		if f.Matches(ev) {
			out = append(out, withDetailsCopy(*ev))
		}
		return len(out) < limit
	})
	return out
}

func withDetailsCopy(ev models.SecurityEvent) models.SecurityEvent {
	ev.Details = maps.Clone(ev.Details)
	return ev
}

// Len reports how many events are retained.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.len()
}

// Cleanup trims failure records older than the rolling window and decays
// expired suspicion marks. It is idempotent.
func (m *Monitor) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.cfg.FailedLoginWindow)
	for k, attempts := range m.failed {
		attempts = pruneBefore(attempts, cutoff)
		if len(attempts) == 0 {
			delete(m.failed, k)
			continue
		}
		m.failed[k] = attempts
	}
	for ip, s := range m.suspicious {
		if !now.Before(s.until) {
			delete(m.suspicious, ip)
		}
	}
	suspiciousIPs.Set(float64(len(m.suspicious)))
}

// Start launches the periodic cleanup and, when an archiver is set, the
// archive worker. Both stop on Stop or when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		interval := m.cfg.CleanupInterval
		if interval <= 0 {
			interval = time.Hour
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case <-ticker.C:
					m.Cleanup()
				}
			}
		}()

		if m.archiver != nil {
			m.wg.Add(1)
			go m.archiveLoop(ctx)
		}
	})
}

// Stop ends the background workers and waits for them. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) archiveLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			m.drainArchive()
			return
		case ev := <-m.archiveQ:
			m.archiveOne(ev)
		}
	}
}

func (m *Monitor) drainArchive() {
	for {
		select {
		case ev := <-m.archiveQ:
			m.archiveOne(ev)
		default:
			return
		}
	}
}

func (m *Monitor) archiveOne(ev models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.archiver.Archive(ctx, &ev); err != nil {
		log.Warn().Err(err).Str("component", "monitor").Str("event_id", ev.ID).Msg("archiving security event failed")
	}
}

// alert runs every hook. A hook can neither panic nor block the caller
// past its own return.
func (m *Monitor) alert(ev models.SecurityEvent) {
	for _, h := range m.hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					alertFailures.WithLabelValues(h.Name()).Inc()
					log.Error().Interface("panic", p).Str("component", "monitor").Str("hook", h.Name()).Msg("alert hook panicked")
				}
			}()
			if err := h.Alert(ev); err != nil {
				alertFailures.WithLabelValues(h.Name()).Inc()
				log.Warn().Err(err).Str("component", "monitor").Str("hook", h.Name()).Str("event_id", ev.ID).Msg("alert delivery failed")
			}
		}()
	}
}

func logEvent(ev *models.SecurityEvent) {
	var e *zerolog.Event
	switch ev.Severity {
	case models.SeverityCritical:
		e = log.Error()
	case models.SeverityHigh:
		e = log.Warn()
	case models.SeverityMedium:
		e = log.Info()
	default:
		e = log.Debug()
	}
	e.Str("component", "monitor").
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("severity", string(ev.Severity)).
		Str("ip", ev.IP).
		Str("user_id", ev.UserID).
		Str("path", ev.Path).
		Str("request_id", ev.RequestID).
		Interface("details", ev.Details).
		Msg("security event")
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
