package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/apiguard/internal/reqctx"
)

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Details   any    `json:"details"`
		RequestID string `json:"requestId"`
		Timestamp string `json:"timestamp"`
	} `json:"error"`
}

func TestWriteRendersBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(reqctx.With(context.Background(), &reqctx.RequestContext{RequestID: "req-42"}))
	w := httptest.NewRecorder()

	Write(w, r, ErrCSRFMissing)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var b errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, "CSRF_TOKEN_MISSING", b.Error.Code)
	assert.Equal(t, "req-42", b.Error.RequestID)
	assert.NotEmpty(t, b.Error.Timestamp)
	assert.Nil(t, b.Error.Details)
}

func TestWriteWrappedError(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	Write(w, r, fmt.Errorf("gate: %w", ErrRateLimited))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWriteHidesUnknownErrors(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	Write(w, r, errors.New("pq: connection refused at 10.0.0.3"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.3")
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestWithDetailsCopies(t *testing.T) {
	e := Validation([]string{"email"})
	assert.Nil(t, ErrInternal.Details)
	assert.Equal(t, []string{"email"}, e.Details)
	assert.Equal(t, CodeValidation, e.Code)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Contains(t, e.Error(), "VALIDATION_ERROR")
}
