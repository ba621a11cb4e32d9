package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			appErr:   New("LED_001", "Amount must be negative", http.StatusBadRequest),
			expected: "[LED_001] Amount must be negative",
		},
		{
			name:     "with wrapped error",
			appErr:   Wrap("SYS_001", "DB error", http.StatusInternalServerError, fmt.Errorf("connection refused")),
			expected: "[SYS_001] DB error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appErr.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap("SYS_001", "wrapped", http.StatusInternalServerError, inner)

	assert.True(t, errors.Is(appErr, inner))
	assert.Nil(t, New("LED_001", "test", http.StatusBadRequest).Unwrap())
}

func TestAppError_WithTransaction(t *testing.T) {
	id := uuid.New()
	appErr := ErrDaemon("3", "asset not found", nil).WithTransaction(id)

	require.NotNil(t, appErr.TransactionID)
	assert.Equal(t, id, *appErr.TransactionID)
}

func TestErrorCodes(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"Validation", Validation("bad"), "LED_001", 400},
		{"DuplicateTransaction", ErrDuplicateTransaction(id), "LED_002", 409},
		{"NotFound", ErrNotFound("transaction"), "LED_003", 404},
		{"InvalidTransition", ErrInvalidTransition(id, "CONFIRMED", "FAILED"), "LED_004", 409},
		{"OperationInFlight", ErrOperationInFlight(), "LED_005", 409},
		{"IdempotencyKeyMismatch", ErrIdempotencyKeyMismatch(), "LED_006", 422},
		{"DaemonUnavailable", ErrDaemonUnavailable(nil), "DMN_001", 503},
		{"DaemonError", ErrDaemon("2", "boom", nil), "DMN_002", 502},
		{"InvalidToken", ErrInvalidToken(), "AUTH_001", 401},
		{"RateLimit", ErrRateLimitExceeded(), "RATE_001", 429},
		{"Persistence", ErrPersistence(nil), "SYS_001", 500},
		{"Internal", InternalError(nil), "SYS_002", 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestErrNotFound_Message(t *testing.T) {
	assert.Equal(t, "asset balance not found", ErrNotFound("asset balance").Message)
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", ErrNotFound("transaction"))

	assert.True(t, HasCode(wrapped, CodeNotFound))
	assert.False(t, HasCode(wrapped, CodeValidation))
	assert.False(t, HasCode(errors.New("plain"), CodeNotFound))
	assert.False(t, HasCode(nil, CodeNotFound))
}
