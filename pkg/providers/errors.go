package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// UpstreamError is a non-2xx reply from the completion backend.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request failed: status=%d error=%s", e.StatusCode, e.Message)
}

// TimeoutError is a completion request that exceeded its deadline.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream request timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// TransportError is a network-level failure before any HTTP status was
// received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyRequestError sorts an http.Client error into the timeout or
// transport bucket.
func classifyRequestError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Err: err}
	}
	return &TransportError{Err: err}
}
