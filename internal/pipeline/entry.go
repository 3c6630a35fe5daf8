package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/reqctx"
	"github.com/org/apiguard/internal/validate"
	"github.com/org/apiguard/pkg/models"
)

// Response headers stamped by Entry.
const (
	HeaderRequestID    = "X-Request-ID"
	HeaderResponseTime = "X-Response-Time"
	HeaderAPIVersion   = "X-API-Version"
)

// stampWriter sets the timing header just before the status line goes out.
type stampWriter struct {
	http.ResponseWriter
	rc          *reqctx.RequestContext
	status      int
	wroteHeader bool
}

func (sw *stampWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.wroteHeader = true
	sw.status = code
	sw.Header().Set(HeaderResponseTime, formatElapsed(sw.rc.Elapsed()))
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *stampWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *stampWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func formatElapsed(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Microseconds())/1000, 'f', 2, 64) + "ms"
}

// Entry is the outermost middleware. It builds the RequestContext,
// negotiates the API version, resolves an optional identity, scans input
// for injection probes and turns panics into a 500.
func (c *Composer) Entry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := c.newContext(r)
		r = r.WithContext(reqctx.With(r.Context(), rc))
		sw := &stampWriter{ResponseWriter: w, rc: rc}
		sw.Header().Set(HeaderRequestID, rc.RequestID)

		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				c.recovered(sw, r, v)
			}
		}()

		version, ok := c.negotiateVersion(r)
		if !ok {
			apierr.Write(sw, r, apierr.ErrAPIVersion.WithDetails(map[string]any{"supported": c.apiVersions}))
			return
		}
		rc.APIVersion = version
		sw.Header().Set(HeaderAPIVersion, version)

		if c.authn != nil {
			if id, ok := c.authn.Authenticate(r); ok {
				rc.Identity = id
			}
		}

		c.scan(r)
		next.ServeHTTP(sw, r)
	})
}

// ensureContext lets Wrap run without Entry, as in unit tests of a single
// route.
func (c *Composer) ensureContext(w http.ResponseWriter, r *http.Request) (*http.Request, *reqctx.RequestContext) {
	if rc, ok := reqctx.From(r.Context()); ok {
		return r, rc
	}
	rc := c.newContext(r)
	rc.APIVersion = c.apiVersions[0]
	if c.authn != nil {
		if id, ok := c.authn.Authenticate(r); ok {
			rc.Identity = id
		}
	}
	w.Header().Set(HeaderRequestID, rc.RequestID)
	return r.WithContext(reqctx.With(r.Context(), rc)), rc
}

func (c *Composer) newContext(r *http.Request) *reqctx.RequestContext {
	return &reqctx.RequestContext{
		RequestID: requestID(r),
		StartTime: time.Now(),
		ClientIP:  reqctx.ClientIP(r, c.trustForwarded),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
}

// requestID honours an incoming X-Request-ID only when it is a UUID.
func requestID(r *http.Request) string {
	if in := r.Header.Get(HeaderRequestID); in != "" {
		if id, err := uuid.Parse(in); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

func (c *Composer) negotiateVersion(r *http.Request) (string, bool) {
	v := r.Header.Get("API-Version")
	if v == "" {
		v = r.Header.Get(HeaderAPIVersion)
	}
	if v == "" {
		return c.apiVersions[0], true
	}
	v = strings.ToLower(strings.TrimSpace(v))
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v, slices.Contains(c.apiVersions, v)
}

// scan reports injection probes in query values and JSON body strings. It
// never vetoes: the event is recorded whatever the gates decide later.
func (c *Composer) scan(r *http.Request) {
	for name, values := range r.URL.Query() {
		for _, v := range values {
			c.reportInjection(r, "query."+name, v)
		}
	}

	if !hasBody(r) || !isJSON(r) {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, c.maxBody+1))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), rest), rest}
	if err != nil || int64(len(raw)) > c.maxBody {
		return
	}
	tree, err := validate.DecodeTree(bytes.NewReader(raw))
	if err != nil {
		return
	}
	validate.WalkStrings(tree, func(path, v string) {
		c.reportInjection(r, "body."+path, v)
	})
}

func (c *Composer) reportInjection(r *http.Request, field, value string) {
	f, found := validate.DetectInjection(value)
	if !found {
		return
	}
	c.report(r.Context(), f.Type, models.SeverityHigh, map[string]any{
		"field":     field,
		"signature": f.Signature,
		"sample":    truncate(value, 128),
	})
}

func (c *Composer) recovered(w *stampWriter, r *http.Request, v any) {
	log.Error().
		Str("component", "pipeline").
		Str("request_id", reqctx.RequestID(r.Context())).
		Str("panic", fmt.Sprint(v)).
		Bytes("stack", debug.Stack()).
		Msg("handler panic")
	c.report(r.Context(), models.EventSystemError, models.SeverityMedium, map[string]any{
		"reason": "handler panic",
	})
	if w.wroteHeader {
		return
	}
	e := apierr.ErrInternal
	if !c.production {
		e = e.WithDetails(map[string]any{"panic": fmt.Sprint(v)})
	}
	apierr.Write(w, r, e)
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
