package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrSafetyHalt     ErrorType = "SAFETY_HALT"
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrBudgetDenied   ErrorType = "BUDGET_DENIED"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrConflict       ErrorType = "CONFLICT"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrUpstream       ErrorType = "UPSTREAM_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrBudgetDenied:
		return http.StatusTooManyRequests
	case ErrSafetyHalt:
		return http.StatusServiceUnavailable
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrSafetyHalt:
		return "Price feed unhealthy; retry after the next oracle update."
	case ErrAuthFailed:
		return "Check the API key or cron secret."
	case ErrBudgetDenied:
		return "Daily operation budget exhausted; retry tomorrow."
	case ErrUpstream:
		return "Upstream provider failed; safe to retry."
	default:
		return ""
	}
}
