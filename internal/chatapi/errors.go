package chatapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedResponse marks a 2xx response that lacks what the request
// should have produced. The request may have been applied, so it is
// retryable; the server deduplicates by client id.
var ErrMalformedResponse = errors.New("malformed response")

// ValidationError is a terminal rejection of a request. Retrying the
// same payload cannot succeed.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Status, e.Message)
}

// StatusError is a non-terminal HTTP failure such as a 5xx.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// IsRetryable reports whether a request may succeed if sent again.
// Transport errors are retryable, validation errors and cancellation
// are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 ||
			se.Status == http.StatusRequestTimeout ||
			se.Status == http.StatusTooManyRequests ||
			se.Status == http.StatusUnauthorized
	}
	return true
}

func statusErr(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusConflict, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return &ValidationError{Status: code, Message: msg}
	}
	return &StatusError{Status: code, Message: msg}
}
