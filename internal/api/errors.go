package api

import (
	"errors"
	"net/http"

	"collabsync/internal/repository"
)

// Error codes carried in the response envelope.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL_SERVER_ERROR"
)

// APIError is an error with an HTTP status and a stable code.
type APIError struct {
	Status  int            `json:"statusCode"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func badRequest(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func notFound(msg string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func internal(msg string) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg}
}

// fromError maps repository errors onto API errors. Anything unknown
// becomes a 500 with msg; the cause is logged, never returned.
func fromError(err error, msg string) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, repository.ErrNotFound) {
		return notFound("Document not found")
	}
	return internal(msg)
}
