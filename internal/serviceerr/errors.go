package serviceerr

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")
var ErrUnauthorized = errors.New("unauthorized")
var ErrTransportClosed = errors.New("transport closed")
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// HTTPError is a non-2xx response from the exchange API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return fmt.Sprintf("API error: %d", e.StatusCode)
}

// NetworkError wraps a transport level failure unchanged.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StatusCode returns the status of an HTTPError in the chain, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}

	return 0
}
