package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrAccountRequired is returned by providers that cannot look up
// availability without an account reference.
var ErrAccountRequired = errors.New("scheduling: account reference required")

// TransportError is a network, timeout or undecodable-response failure. It
// is recoverable and retried only by explicit user action.
type TransportError struct {
	Op        string
	Status    int
	Timeout   bool
	Malformed bool
	Err       error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("scheduling: %s: provider timed out", e.Op)
	case e.Status != 0:
		return fmt.Sprintf("scheduling: %s: provider returned status %d", e.Op, e.Status)
	case e.Malformed:
		return fmt.Sprintf("scheduling: %s: malformed provider response: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("scheduling: %s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Code is the user-facing error code.
func (e *TransportError) Code() string {
	if e.Malformed {
		return "PROVIDER_MALFORMED_RESPONSE"
	}
	return "PROVIDER_UNAVAILABLE"
}

// DataError describes a decodable response missing expected fields. The
// resolver downgrades it into a zero-slot calendar carrying diagnostics.
type DataError struct {
	Op     string
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("scheduling: %s: %s", e.Op, e.Reason)
}

// Code is the user-facing error code.
func (e *DataError) Code() string { return "PROVIDER_DATA" }

// RateLimitedError is returned once an instance spends its request budget
// for the current window. It is never reported as a transport failure.
type RateLimitedError struct {
	InstanceID string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("scheduling: instance %s exceeded %d requests; retry in %s", e.InstanceID, e.Limit, e.RetryAfter.Round(time.Second))
}

// Code is the user-facing error code.
func (e *RateLimitedError) Code() string { return "RATE_LIMITED" }

// wrapTransport classifies a low-level client error.
func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &TransportError{Op: op, Timeout: timeout, Err: err}
}

// NewTransportError classifies err as a transport failure for op. Other
// remote collaborators use it so callers see one transport error type.
func NewTransportError(op string, status int, err error) error {
	if status != 0 {
		return &TransportError{Op: op, Status: status, Err: err}
	}
	return wrapTransport(op, err)
}
