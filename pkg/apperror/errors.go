package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code          string     `json:"error_code"`
	Message       string     `json:"message"`
	HTTPStatus    int        `json:"-"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	Err           error      `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithTransaction attaches the affected transaction id so callers can decide
// whether to retry with the same idempotency key.
func (e *AppError) WithTransaction(id uuid.UUID) *AppError {
	e.TransactionID = &id
	return e
}

// Error codes.
const (
	CodeValidation           = "LED_001"
	CodeDuplicateTransaction = "LED_002"
	CodeNotFound             = "LED_003"
	CodeInvalidTransition    = "LED_004"
	CodeOperationInFlight    = "LED_005"
	CodeKeyMismatch          = "LED_006"
	CodeDaemonUnavailable    = "DMN_001"
	CodeDaemon               = "DMN_002"
	CodeInvalidToken         = "AUTH_001"
	CodeRateLimit            = "RATE_001"
	CodePersistence          = "SYS_001"
	CodeInternal             = "SYS_002"
)

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Ledger (LED) ----

// Validation returns a LED_001 validation error.
func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func ErrDuplicateTransaction(id uuid.UUID) *AppError {
	return New(CodeDuplicateTransaction, "Duplicate transaction", http.StatusConflict).WithTransaction(id)
}

func ErrNotFound(entity string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidTransition(id uuid.UUID, from, to string) *AppError {
	msg := fmt.Sprintf("Invalid transition from %s to %s", from, to)
	return New(CodeInvalidTransition, msg, http.StatusConflict).WithTransaction(id)
}

func ErrOperationInFlight() *AppError {
	return New(CodeOperationInFlight, "Operation with this idempotency key is still in flight", http.StatusConflict)
}

func ErrIdempotencyKeyMismatch() *AppError {
	return New(CodeKeyMismatch, "Idempotency key reused with different parameters", http.StatusUnprocessableEntity)
}

// ---- Daemon (DMN) ----

func ErrDaemonUnavailable(err error) *AppError {
	return Wrap(CodeDaemonUnavailable, "Asset daemon unavailable", http.StatusServiceUnavailable, err)
}

// ErrDaemon passes a non-retriable daemon failure through to the caller.
func ErrDaemon(code, message string, err error) *AppError {
	return Wrap(CodeDaemon, fmt.Sprintf("Asset daemon error %s: %s", code, message), http.StatusBadGateway, err)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New(CodeRateLimit, "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrPersistence(err error) *AppError {
	return Wrap(CodePersistence, "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_002 error.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
