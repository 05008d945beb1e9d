package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure for retry and user-messaging decisions.
type Kind int

const (
	// KindConnectivity covers transport errors, timeouts and server outages.
	// Always retryable, never shown as a credential problem.
	KindConnectivity Kind = iota
	// KindCredential covers wrong-secret and unknown-identity rejections.
	// Terminal for the attempt, user-facing.
	KindCredential
	// KindStructural covers payloads the remote store rejects as invalid.
	// Never retried; surfaced for operator intervention.
	KindStructural
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindCredential:
		return "credential"
	case KindStructural:
		return "structural"
	default:
		return "unknown"
	}
}

// Error wraps a remote failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("remote %s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified remote error.
func NewError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func isKind(err error, kind Kind) bool {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind == kind
	}
	return false
}

// IsConnectivity reports whether err is a transient reachability failure.
func IsConnectivity(err error) bool {
	return isKind(err, KindConnectivity)
}

// IsCredential reports whether err is a terminal credential rejection.
func IsCredential(err error) bool {
	return isKind(err, KindCredential)
}

// IsStructural reports whether err is a permanent payload rejection.
func IsStructural(err error) bool {
	return isKind(err, KindStructural)
}
