package pipeline

import (
	"net/http"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/reqctx"
)

// Gate names, in evaluation order.
const (
	GateMethod        = "method"
	GateOrigin        = "origin"
	GateContentType   = "content_type"
	GateRateLimit     = "rate_limit"
	GateCSRF          = "csrf"
	GateAuthenticated = "authenticated"
	GateRole          = "role"
	GatePermission    = "permission"
	GateBody          = "body"
	GateQuery         = "query"
)

// Outcome is a gate's verdict. The zero value continues.
type Outcome struct {
	Err *apierr.Error
}

// Continue lets the request through to the next gate.
var Continue = Outcome{}

// Deny stops the request with err.
func Deny(err *apierr.Error) Outcome { return Outcome{Err: err} }

// Denied reports whether the gate vetoed the request.
func (o Outcome) Denied() bool { return o.Err != nil }

// Evaluation is the state a request carries through the gates. Gates may
// write response headers and replace R.
type Evaluation struct {
	W     http.ResponseWriter
	R     *http.Request
	RC    *reqctx.RequestContext
	Route *RouteOptions
	Body  any
	Query any
}

// Gate is one pass/veto stage.
type Gate interface {
	Name() string
	Evaluate(ev *Evaluation) Outcome
}

// fold runs gates in order and stops at the first denial. Side effects of
// earlier gates stand.
func fold(gates []Gate, ev *Evaluation) (string, Outcome) {
	for _, g := range gates {
		if out := g.Evaluate(ev); out.Denied() {
			return g.Name(), out
		}
	}
	return "", Continue
}
