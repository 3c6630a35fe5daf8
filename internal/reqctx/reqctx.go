// Package reqctx carries the per-request security context through the
// pipeline. Keys are unexported; use the With/From accessor pairs.
package reqctx

import (
	"context"
	"time"

	"github.com/org/apiguard/pkg/models"
)

type requestContextKey struct{}

// RequestContext is created at pipeline entry and discarded when the response
// is written. It is never persisted.
type RequestContext struct {
	RequestID  string
	Identity   *models.Identity
	APIVersion string
	StartTime  time.Time
	ClientIP   string
	UserAgent  string
	Method     string
	Path       string
}

// Elapsed returns the time since the request entered the pipeline.
func (rc *RequestContext) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}

// UserID returns the resolved identity's id, or "" for anonymous callers.
func (rc *RequestContext) UserID() string {
	if rc == nil || rc.Identity == nil {
		return ""
	}
	return rc.Identity.ID
}

// With stores rc in ctx.
func With(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// From retrieves the RequestContext stored by With.
func From(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// RequestID returns the request id in ctx, or "".
func RequestID(ctx context.Context) string {
	if rc, ok := From(ctx); ok {
		return rc.RequestID
	}
	return ""
}

// IdentityFrom returns the resolved identity in ctx, if any.
func IdentityFrom(ctx context.Context) (*models.Identity, bool) {
	rc, ok := From(ctx)
	if !ok || rc.Identity == nil {
		return nil, false
	}
	return rc.Identity, true
}
