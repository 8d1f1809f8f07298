// internal/llmclient/errors.go
package llmclient

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError is a failed model request. StatusCode is zero when no HTTP
// response was received.
type TransportError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transport error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: rate limiting, an
// unavailable or failing server, or a network error with no response.
func (e *TransportError) Retryable() bool {
	switch e.StatusCode {
	case 0, http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}

// ErrEmptyResponse is returned when a provider answered without any content.
var ErrEmptyResponse = errors.New("model returned no content")
