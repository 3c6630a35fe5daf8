// Package audit persists security events to the database archive.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/pkg/models"
)

// Store is the subset of storage.Backend the archive needs.
type Store interface {
	WriteSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error
	QuerySecurityEvents(ctx context.Context, f models.EventFilter) ([]*models.SecurityEvent, error)
}

// Logger writes security events to the archive. It satisfies
// monitor.Archiver.
type Logger struct {
	store Store
}

// NewLogger creates an audit Logger.
func NewLogger(store Store) *Logger {
	return &Logger{store: store}
}

// Archive stores ev. Events arrive with id and timestamp already assigned
// by the monitor; a missing timestamp is filled in.
func (l *Logger) Archive(ctx context.Context, ev *models.SecurityEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := l.store.WriteSecurityEvent(ctx, ev); err != nil {
		log.Debug().Err(err).Str("component", "audit").Str("event_id", ev.ID).Msg("archive write failed")
		return err
	}
	return nil
}

// Query retrieves archived events, newest first.
func (l *Logger) Query(ctx context.Context, f models.EventFilter) ([]*models.SecurityEvent, error) {
	return l.store.QuerySecurityEvents(ctx, f)
}
