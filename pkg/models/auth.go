package models

import "time"

// Role is a caller's coarse privilege level.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Level orders roles so that a higher role includes every lower one.
// Unknown roles rank below RoleUser.
func (r Role) Level() int {
	switch r {
	case RoleUser:
		return 1
	case RoleModerator:
		return 2
	case RoleAdmin:
		return 3
	case RoleSystem:
		return 4
	}
	return 0
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Level() > 0
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return r.Level() >= other.Level()
}

// Identity is the resolved caller of a request. It is a read projection of
// the identity provider and is never persisted by the pipeline. Permissions
// is derived from Role on resolution.
type Identity struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	Permissions  []string  `json:"permissions,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	IsVerified   bool      `json:"isVerified"`
	LastActivity time.Time `json:"lastActivity"`
	// IssuedAt is when the backing session or token was created.
	IssuedAt time.Time `json:"-"`
	// Source is "session" or "bearer".
	Source string `json:"source"`
}

// User is an account record owned by the identity provider.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	Verified     bool
	CreatedAt    time.Time
}

// Session is a cookie session row joined with its user.
type Session struct {
	ID        string
	UserID    string
	Email     string
	Role      Role
	Verified  bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the session has passed its expiry time.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}
