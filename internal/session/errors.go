package session

import (
	"errors"
	"fmt"
)

// FailureKind represents the specific kind of session failure
type FailureKind string

const (
	NotConnected     FailureKind = "not_connected"
	ConnectTimeout   FailureKind = "connection_timeout"
	DiscoveryTimeout FailureKind = "service_discovery_timeout"
	Terminated       FailureKind = "terminated"
)

// SessionError represents any session-level problem
//
//nolint:revive // SessionError name is intentional for clarity when used as a session.SessionError
type SessionError struct {
	Kind FailureKind
	Msg  string
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for session failures
var (
	ErrNotConnected     = &SessionError{Kind: NotConnected}
	ErrConnectTimeout   = &SessionError{Kind: ConnectTimeout}
	ErrDiscoveryTimeout = &SessionError{Kind: DiscoveryTimeout}
	ErrTerminated       = &SessionError{Kind: Terminated}
)

// WrapTransportError attaches session context to an opaque transport error.
// The transport error stays in the chain for errors.Is/As inspection.
func WrapTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("transport %s failed: %w", op, err)
}

// IsFailureKind reports whether err is a SessionError with the given kind
func IsFailureKind(err error, kind FailureKind) bool {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}
