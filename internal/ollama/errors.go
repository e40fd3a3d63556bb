package ollama

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransportError reports a request that never produced an HTTP response:
// connection refused, DNS failure, timeout, or a broken body read.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying failure was a timeout.
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// StatusError reports a non-success HTTP status from the backend.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.URL, e.StatusCode, body)
}

// IsBackendFailure reports whether err is a transport or status failure.
func IsBackendFailure(err error) bool {
	var transportErr *TransportError
	var statusErr *StatusError
	return errors.As(err, &transportErr) || errors.As(err, &statusErr)
}
