package proxy

import (
	"errors"
	"fmt"
)

// StatusClientClosedRequest is logged when the caller goes away before a response is written.
const StatusClientClosedRequest = 499

var (
	// ErrConfigNotFound means the collection in the request does not exist.
	ErrConfigNotFound = errors.New("proxy: collection not found")
	// ErrCancelled means the caller disconnected or cancelled the request.
	ErrCancelled = errors.New("proxy: request cancelled")
	// ErrForbidden means the caller may not use the collection.
	ErrForbidden = errors.New("proxy: access to collection denied")
	// ErrResponseTooLarge means the upstream body exceeded the configured cap.
	ErrResponseTooLarge = errors.New("proxy: upstream response too large")
	// ErrInvalidRequest wraps ad-hoc query validation failures.
	ErrInvalidRequest = errors.New("proxy: invalid request")
)

// UpstreamError reports a failure to obtain a response from the real upstream.
type UpstreamError struct {
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	if e.Timeout {
		return fmt.Sprintf("proxy: upstream timeout: %v", e.Err)
	}
	return fmt.Sprintf("proxy: upstream error: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
