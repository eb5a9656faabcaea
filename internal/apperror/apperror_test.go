package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStatus(t *testing.T) {
	tests := map[Kind]int{
		KindUnauthorized: http.StatusUnauthorized,
		KindForbidden:    http.StatusForbidden,
		KindValidation:   http.StatusBadRequest,
		KindThrottled:    http.StatusTooManyRequests,
		KindNotFound:     http.StatusNotFound,
		KindConflict:     http.StatusConflict,
		KindUnavailable:  http.StatusServiceUnavailable,
		KindInternal:     http.StatusInternalServerError,
		Kind("bogus"):    http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, Status(kind), kind)
	}
}

func TestAs(t *testing.T) {
	forbidden := Forbidden("ROLE_REQUIRED", "Insufficient role")
	wrapped := fmt.Errorf("guard: %w", forbidden)
	assert.Same(t, forbidden, As(wrapped))

	plain := errors.New("connection reset")
	got := As(plain)
	assert.Equal(t, KindInternal, got.Kind)
	assert.ErrorIs(t, got, plain)
}

func TestWrite_HidesInternalCause(t *testing.T) {
	cause := errors.New("pq: relation accounts does not exist")

	rec := httptest.NewRecorder()
	Write(rec, cause, false)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.NotContains(t, rec.Body.String(), "relation")

	rec = httptest.NewRecorder()
	Write(rec, cause, true)
	assert.Equal(t, cause.Error(), decode(t, rec).Error.Message)
}

func TestWrite_ThrottledSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, Throttled(CodeTooManyRequests, "Too many requests", 1500*time.Millisecond), false)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestWrite_ValidationDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, Validation("Invalid request", map[string][]string{"email": {"must be a valid email"}}), false)

	resp := decode(t, rec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidationError, resp.Error.Code)
	assert.Equal(t, []string{"must be a valid email"}, resp.Error.Details["email"])
}

func TestWriteFailure_CarriesData(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteFailure(rec, http.StatusForbidden, "ACCOUNT_LOCKED", "Account locked", map[string]int{"retryAfterSeconds": 900})

	resp := decode(t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "ACCOUNT_LOCKED", resp.Error.Code)
	assert.Equal(t, map[string]interface{}{"retryAfterSeconds": float64(900)}, resp.Data)
}
