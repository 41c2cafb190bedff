package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected is wrapped by transports when the server refuses
	// the credential, either at handshake or in a close frame.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrNotConnected is returned by Send outside the connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrLivenessTimeout means a probe went unanswered.
	ErrLivenessTimeout = errors.New("liveness probe timed out")
)

// TransportError is a recoverable connection failure. The manager
// reconnects with backoff after one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is fatal to the connection. Automatic retries stop until a
// fresh credential is available and Reconnect is called.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err halts automatic reconnection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) || errors.Is(err, ErrAuthRejected)
}

func classify(op string, err error) error {
	if IsAuth(err) {
		var ae *AuthError
		if errors.As(err, &ae) {
			return err
		}
		return &AuthError{Err: err}
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
