package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/apiguard/internal/crypto"
	"github.com/org/apiguard/pkg/models"
)

const uniqueViolation = "23505"

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Users ---

func (p *PostgresBackend) CreateUser(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, role, verified, created_at)
		 VALUES (lower($1), $2, $3, $4, $5)
		 RETURNING id::text`,
		u.Email, u.PasswordHash, string(u.Role), u.Verified, u.CreatedAt,
	).Scan(&u.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	var role string
	err := p.pool.QueryRow(ctx,
		`SELECT id::text, email, password_hash, role, verified, created_at
		 FROM users WHERE email = lower($1)`,
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.Verified, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

// --- Sessions ---

// CreateSession stores s under the hash of token and fills in s.ID.
func (p *PostgresBackend) CreateSession(ctx context.Context, token string, s *models.Session) error {
	return p.pool.QueryRow(ctx,
		`INSERT INTO sessions (token_hash, user_id, created_at, expires_at)
		 VALUES ($1, $2::uuid, $3, $4)
		 RETURNING id::text`,
		crypto.HashToken(token), s.UserID, s.CreatedAt, s.ExpiresAt,
	).Scan(&s.ID)
}

func (p *PostgresBackend) LookupSession(ctx context.Context, token string) (*models.Session, error) {
	var s models.Session
	var role string
	err := p.pool.QueryRow(ctx,
		`SELECT s.id::text, s.user_id::text, u.email, u.role, u.verified, s.created_at, s.expires_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = $1`,
		crypto.HashToken(token),
	).Scan(&s.ID, &s.UserID, &s.Email, &role, &s.Verified, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Role = models.Role(role)
	return &s, nil
}

func (p *PostgresBackend) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	var active bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id::text = $1 AND expires_at > NOW())`,
		sessionID,
	).Scan(&active)
	return active, err
}

func (p *PostgresBackend) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id::text = $1`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Security events ---

func (p *PostgresBackend) WriteSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		details = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO security_events (id, timestamp, type, severity, user_id, ip, path, method, request_id, details)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Timestamp, string(ev.Type), string(ev.Severity),
		ev.UserID, ev.IP, ev.Path, ev.Method, ev.RequestID, details,
	)
	return err
}

func (p *PostgresBackend) QuerySecurityEvents(ctx context.Context, f models.EventFilter) ([]*models.SecurityEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id::text, timestamp, type, severity, user_id, ip, path, method, request_id, details FROM security_events WHERE 1=1`)
	args := []any{}
	n := 1
	if f.Type != "" {
		fmt.Fprintf(&query, ` AND type = $%d`, n)
		args = append(args, string(f.Type))
		n++
	}
	if f.MinSeverity != "" {
		fmt.Fprintf(&query, ` AND severity = ANY($%d)`, n)
		args = append(args, severitiesFrom(f.MinSeverity))
		n++
	}
	if f.IP != "" {
		fmt.Fprintf(&query, ` AND ip = $%d`, n)
		args = append(args, f.IP)
		n++
	}
	if f.UserID != "" {
		fmt.Fprintf(&query, ` AND user_id = $%d`, n)
		args = append(args, f.UserID)
		n++
	}
	if !f.Since.IsZero() {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, f.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	fmt.Fprintf(&query, ` LIMIT $%d`, n)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		var ev models.SecurityEvent
		var typ, sev string
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &typ, &sev, &ev.UserID, &ev.IP,
			&ev.Path, &ev.Method, &ev.RequestID, &details); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(typ)
		ev.Severity = models.Severity(sev)
		json.Unmarshal(details, &ev.Details) //nolint:errcheck
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// severitiesFrom lists min and every severity above it.
func severitiesFrom(min models.Severity) []string {
	var out []string
	for _, s := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical} {
		if s.Rank() >= min.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
