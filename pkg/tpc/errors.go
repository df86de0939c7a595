package tpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no envelope arrives before the receive
	// deadline.
	ErrTimeout = errors.New("tpc: receive timed out")
	// ErrDisabled is returned by Send and Receive when TPC is turned off.
	ErrDisabled = errors.New("tpc: transport disabled by configuration")
	// ErrUnavailable is returned by ShouldFallbackToText when TPC is required
	// but the runtime is not ready and text fallback is not allowed.
	ErrUnavailable = errors.New("tpc: transport unavailable and text fallback disallowed")
)

// NotInitializedError is returned for operations attempted outside READY.
type NotInitializedError struct {
	Op    string
	State State
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("tpc: %s requires a ready runtime (state %s)", e.Op, e.State)
}

// SecurityKind classifies a SecurityError.
type SecurityKind string

const (
	SecurityExpired   SecurityKind = "expired"
	SecurityReplay    SecurityKind = "replay"
	SecuritySignature SecurityKind = "signature"
	SecurityMalformed SecurityKind = "malformed"
)

// SecurityError reports an envelope that failed verification. It is never
// downgraded to a successful fallback.
type SecurityError struct {
	Kind   SecurityKind
	Detail string
	Err    error
}

func (e *SecurityError) Error() string {
	msg := fmt.Sprintf("tpc: security violation (%s)", e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SecurityError) Unwrap() error { return e.Err }

// IsSecurityError reports whether err wraps a *SecurityError.
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}
