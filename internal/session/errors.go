package session

import (
	"errors"
	"fmt"
)

// Lifecycle error taxonomy. Operations wrap these with context and the
// underlying cause, so callers test with errors.Is.
var (
	ErrDuplicateSession       = errors.New("session already exists")
	ErrSessionNotFound        = errors.New("session not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSessionNotPausable     = errors.New("session not pausable")
	ErrRemoteCommandFailed    = errors.New("remote command failed")
	ErrSessionCreationFailed  = errors.New("session creation failed")
	ErrReconnectFailed        = errors.New("reconnect failed")
)

// NotFound reports a name with no registered session.
func NotFound(name string) error {
	return fmt.Errorf("%w: %q", ErrSessionNotFound, name)
}

// InvalidTransition reports an operation attempted from the wrong state.
func InvalidTransition(op, name string, from State) error {
	return fmt.Errorf("%w: cannot %s session %q while %s", ErrInvalidStateTransition, op, name, from)
}

// NotPausable reports a pause of a session that is not running. It matches
// both ErrSessionNotPausable and ErrInvalidStateTransition.
func NotPausable(name string, from State) error {
	return fmt.Errorf("%w: %w: session %q is %s", ErrSessionNotPausable, ErrInvalidStateTransition, name, from)
}

// RemoteFailed wraps a remote engine error for a lifecycle operation.
func RemoteFailed(op, name string, cause error) error {
	return fmt.Errorf("%w: %s session %q: %w", ErrRemoteCommandFailed, op, name, cause)
}
