package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/clinicsync/clinicsync/pkg/constants"
)

// FailureKind classifies why a backend could not be reached.
type FailureKind string

const (
	FailureTimeout  FailureKind = "timeout"
	FailureRefused  FailureKind = "connection_refused"
	FailureProtocol FailureKind = "protocol_error"
)

// ConnectivityError reports that a backend could not be reached or answered
// with a server-side failure. It is retryable: errors.Is(err,
// constants.ErrRetryable) holds.
type ConnectivityError struct {
	Backend string
	Kind    FailureKind
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func (e *ConnectivityError) Is(target error) bool {
	return target == constants.ErrRetryable
}

// Connectivity wraps err as a ConnectivityError of the classified kind.
func Connectivity(backend string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectivityError{Backend: backend, Kind: Classify(err), Err: err}
}

// Classify maps a transport error to a FailureKind.
func Classify(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureRefused
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return FailureRefused
	}
	return FailureProtocol
}

// IsConnectivity reports whether err means the backend was not reachable, as
// opposed to the backend rejecting the request.
func IsConnectivity(err error) bool {
	return errors.Is(err, constants.ErrRetryable)
}

// RejectedError is a remote-side validation failure. Retrying the same request
// will not help.
type RejectedError struct {
	Backend string
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s rejected the request (status %d): %s", e.Backend, e.Status, e.Message)
	}
	return fmt.Sprintf("%s rejected the request: %s", e.Backend, e.Message)
}
