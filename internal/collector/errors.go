package collector

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDocumentNotFound is returned by a DocumentStore for a missing document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrCircuitOpen matches every CircuitOpenError via errors.Is.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// NetworkError wraps connection and timeout failures raised by a transport.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error on %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying failure was a timeout.
func (e *NetworkError) Timeout() bool {
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// HTTPStatusError is returned for a response with a non-success status code.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d on %s %s", e.StatusCode, e.Method, e.URL)
}

// CircuitOpenError is raised synchronously while a breaker rejects calls.
type CircuitOpenError struct {
	Name string
	// RetryAfter is the remaining time until the breaker probes again.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("circuit breaker is open (retry after %s)", e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter)
}

// Is makes errors.Is(err, ErrCircuitOpen) true for every CircuitOpenError.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// StateCorruptionError reports a persisted document that could not be decoded.
type StateCorruptionError struct {
	Document string
	Err      error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state document %s is corrupted: %v", e.Document, e.Err)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}
