package reqctx

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/apiguard/pkg/models"
)

func TestWithFrom(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "", RequestID(context.Background()))

	rc := &RequestContext{RequestID: "req-1"}
	ctx := With(context.Background(), rc)
	got, ok := From(ctx)
	require.True(t, ok)
	assert.Same(t, rc, got)
	assert.Equal(t, "req-1", RequestID(ctx))

	_, ok = IdentityFrom(ctx)
	assert.False(t, ok)
	assert.Equal(t, "", rc.UserID())

	rc.Identity = &models.Identity{ID: "u1", Role: models.RoleUser}
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, "u1", rc.UserID())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		trusted bool
		want    string
	}{
		{"remote only", "10.0.0.1:1234", "", "", true, "10.0.0.1"},
		{"first forwarded entry", "10.0.0.1:1234", "203.0.113.5, 10.0.0.2", "", true, "203.0.113.5"},
		{"real ip fallback", "10.0.0.1:1234", "", "198.51.100.7", true, "198.51.100.7"},
		{"forwarded ignored when untrusted", "10.0.0.1:1234", "203.0.113.5", "198.51.100.7", false, "10.0.0.1"},
		{"ipv6 remote", "[2001:db8::1]:443", "", "", false, "2001:db8::1"},
		{"remote without port", "10.0.0.9", "", "", false, "10.0.0.9"},
		{"garbage forwarded entry", "10.0.0.1:1234", "not-an-ip, 203.0.113.5", "", true, "10.0.0.1"},
		{"garbage forwarded falls to real ip", "10.0.0.1:1234", "evil", "198.51.100.7", true, "198.51.100.7"},
		{"garbage real ip", "10.0.0.1:1234", "", "127.0.0.1; DROP", true, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trusted))
		})
	}
}
