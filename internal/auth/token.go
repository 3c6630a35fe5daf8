package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/org/apiguard/internal/crypto"
	"github.com/org/apiguard/pkg/models"
)

const (
	// Issuer is the iss claim of every bearer token.
	Issuer  = "apiguard"
	keyInfo = "apiguard-jwt-v1"
)

// ErrTokenInvalid covers every bearer token rejection. Callers must not
// distinguish expired from forged tokens.
var ErrTokenInvalid = errors.New("invalid bearer token")

// Claims is the bearer token payload.
type Claims struct {
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	Verified  bool        `json:"verified"`
	SessionID string      `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens. The signing key is
// derived from the configured secret, never used raw.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer derives the signing key from secret.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	key, err := crypto.DeriveKey([]byte(secret), keyInfo)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for id. It returns the token and its expiry.
func (t *TokenIssuer) Issue(id *models.Identity) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		Email:     id.Email,
		Role:      id.Role,
		Verified:  id.IsVerified,
		SessionID: id.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry and returns the identity the
// token carries.
func (t *TokenIssuer) Verify(token string) (*models.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrTokenInvalid
	}

	id := &models.Identity{
		ID:         claims.Subject,
		Email:      claims.Email,
		Role:       claims.Role,
		SessionID:  claims.SessionID,
		IsVerified: claims.Verified,
		Source:     SourceBearer,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	return id, nil
}
