package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means the remote service has no such entity.
	ErrNotFound = errors.New("remote entity not found")
	// ErrMalformedPayload means the remote returned a body that cannot be
	// interpreted as an entity.
	ErrMalformedPayload = errors.New("malformed remote payload")
	// ErrPreconditionFailed means the remote entity changed since the
	// entity tag presented with an upload.
	ErrPreconditionFailed = errors.New("remote entity changed")
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
