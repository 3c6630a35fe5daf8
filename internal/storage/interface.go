package storage

import (
	"context"
	"errors"

	"github.com/org/apiguard/pkg/models"
)

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

// NotFound marks the error for callers that cannot import this package.
func (notFoundError) NotFound() bool { return true }

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound error = notFoundError{}

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// Backend is the identity provider and security-event archive.
type Backend interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// Sessions. Raw session tokens are never stored, only their hash.
	CreateSession(ctx context.Context, token string, s *models.Session) error
	LookupSession(ctx context.Context, token string) (*models.Session, error)
	SessionActive(ctx context.Context, sessionID string) (bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	// Security events
	WriteSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error
	QuerySecurityEvents(ctx context.Context, f models.EventFilter) ([]*models.SecurityEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}
