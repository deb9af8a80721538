package poll

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced through OnError, the bus and Session.Wait.
var (
	ErrNoEndpoint      = errors.New("poll: endpoint is required")
	ErrTransport       = errors.New("status query failed")
	ErrJobFailure      = errors.New("an error occurred during translation")
	ErrTimeoutExceeded = errors.New("polling timed out")
	ErrCancelled       = errors.New("polling cancelled")
)

// TransportError reports a status query that produced no usable answer:
// the request failed, the server answered with a non-2xx code, or the body
// did not parse. It matches ErrTransport under errors.Is.
type TransportError struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", ErrTransport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrTransport, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
