package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when the server confirms a resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoCredential is returned when no bearer token is available for a call.
var ErrNoCredential = errors.New("no credential available")

// ErrMalformedResponse is returned when a 2xx body cannot be understood.
var ErrMalformedResponse = errors.New("malformed response")

// APIError is a non-success answer from the server.
type APIError struct {
	Status  int
	Message string

	// Rejected is set when the server answered 2xx with success=false.
	Rejected bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// Is makes a 404 match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// IsAuthoritative reports whether err is a definite answer from a reachable
// server. Such answers are never overridden by cached data or queued for retry.
// Everything else (transport errors, timeouts, auth and server-side failures)
// is a connectivity failure.
func IsAuthoritative(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Rejected {
		return true
	}
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
