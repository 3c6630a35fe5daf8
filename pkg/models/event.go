package models

import "time"

// EventType classifies a security event.
type EventType string

const (
	EventLoginSuccess        EventType = "login_success"
	EventLoginFailed         EventType = "login_failed"
	EventLogout              EventType = "logout"
	EventAuthorizationFailed EventType = "authorization_failed"
	EventPrivilegeEscalation EventType = "privilege_escalation"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventCSRFTokenMissing    EventType = "csrf_token_missing"
	EventCSRFTokenInvalid    EventType = "csrf_token_invalid"
	EventInvalidOrigin       EventType = "invalid_origin"
	EventSQLInjectionAttempt EventType = "sql_injection_attempt"
	EventXSSAttempt          EventType = "xss_attempt"
	EventValidationFailed    EventType = "validation_failed"
	EventBruteForceDetected  EventType = "brute_force_detected"
	EventSuspiciousIP        EventType = "suspicious_ip"
	EventConfigurationError  EventType = "configuration_error"
	EventSystemError         EventType = "system_error"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventLoginSuccess, EventLoginFailed, EventLogout,
	EventAuthorizationFailed, EventPrivilegeEscalation,
	EventRateLimitExceeded, EventCSRFTokenMissing, EventCSRFTokenInvalid,
	EventInvalidOrigin, EventSQLInjectionAttempt, EventXSSAttempt,
	EventValidationFailed, EventBruteForceDetected, EventSuspiciousIP,
	EventConfigurationError, EventSystemError,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SecurityEvent is an immutable audit record of a security-relevant occurrence.
type SecurityEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"userId,omitempty"`
	IP        string         `json:"ip"`
	Path      string         `json:"path"`
	Method    string         `json:"method"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventFilter selects events from the monitor or the archive.
type EventFilter struct {
	Type        EventType
	MinSeverity Severity
	IP          string
	UserID      string
	Since       time.Time
	Limit       int
}

// Matches reports whether ev satisfies every non-empty field of f.
func (f EventFilter) Matches(ev *SecurityEvent) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.MinSeverity != "" && ev.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.IP != "" && ev.IP != f.IP {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
