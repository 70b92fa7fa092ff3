package rpc

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an account has no live session.
var ErrNotConnected = errors.New("account not connected")

// AuthError indicates that the server rejected a login.
type AuthError struct {
	Username string
	Message  string
	Code     int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("login failed for %s: %s", e.Username, e.Message)
}

// RemoteError is an application-level error reported in the response envelope.
type RemoteError struct {
	Method  string
	Message string
	Code    int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

// TransportError wraps a network-level failure, including timeouts and
// non-success HTTP statuses.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRemoteError reports whether err (or any error in its chain) is a RemoteError.
func IsRemoteError(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr)
}

// IsTransportError reports whether err (or any error in its chain) is a TransportError.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
