// Package apierr defines the machine-readable error codes returned by the
// API and the JSON body they are rendered into.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/org/apiguard/internal/reqctx"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeInvalidContentType     Code = "INVALID_CONTENT_TYPE"
	CodeUnsupportedAPIVersion  Code = "UNSUPPORTED_API_VERSION"
	CodeAuthRequired           Code = "AUTH_REQUIRED"
	CodeInvalidCredentials     Code = "INVALID_CREDENTIALS"
	CodeCSRFTokenMissing       Code = "CSRF_TOKEN_MISSING"
	CodeCSRFTokenInvalid       Code = "CSRF_TOKEN_INVALID"
	CodeInvalidOrigin          Code = "INVALID_ORIGIN"
	CodeInsufficientPermission Code = "INSUFFICIENT_PERMISSIONS"
	CodePermissionDenied       Code = "PERMISSION_DENIED"
	CodeMethodNotAllowed       Code = "METHOD_NOT_ALLOWED"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// Error is an error that knows its HTTP status and public code.
type Error struct {
	Status  int
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// New builds an Error.
func New(status int, code Code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Predefined errors for the common denials.
var (
	ErrAuthRequired       = New(http.StatusUnauthorized, CodeAuthRequired, "Authentication required")
	ErrInvalidCredentials = New(http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password")
	ErrCSRFMissing        = New(http.StatusForbidden, CodeCSRFTokenMissing, "CSRF token missing")
	ErrCSRFInvalid        = New(http.StatusForbidden, CodeCSRFTokenInvalid, "CSRF token invalid or expired")
	ErrInvalidOrigin      = New(http.StatusForbidden, CodeInvalidOrigin, "Origin not allowed")
	ErrInsufficientRole   = New(http.StatusForbidden, CodeInsufficientPermission, "Insufficient permissions")
	ErrPermissionDenied   = New(http.StatusForbidden, CodePermissionDenied, "Permission denied")
	ErrMethodNotAllowed   = New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
	ErrRateLimited        = New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Too many requests, please try again later")
	ErrContentType        = New(http.StatusBadRequest, CodeInvalidContentType, "Unsupported content type")
	ErrAPIVersion         = New(http.StatusBadRequest, CodeUnsupportedAPIVersion, "Unsupported API version")
	ErrNotFound           = New(http.StatusNotFound, CodeNotFound, "Resource not found")
	ErrInternal           = New(http.StatusInternalServerError, CodeInternal, "Internal server error")
)

// Validation builds a 400 carrying per-field details.
func Validation(details any) *Error {
	return New(http.StatusBadRequest, CodeValidation, "Request validation failed").WithDetails(details)
}

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

// Write renders err as the JSON error body. Errors that are not *Error are
// reported as INTERNAL_ERROR without leaking their text.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = ErrInternal
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(body{Error: payload{ //nolint:errcheck
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		RequestID: reqctx.RequestID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
}
