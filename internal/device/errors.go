package device

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors
type ErrorKind string

const (
	InvalidState        ErrorKind = "invalid_state"
	UnknownHandle       ErrorKind = "unknown_handle"
	AlreadySubscribed   ErrorKind = "already_subscribed"
	NotSubscribed       ErrorKind = "not_subscribed"
	DiscoveryInProgress ErrorKind = "discovery_in_progress"
	BridgeFailure       ErrorKind = "bridge_failure"
)

// Error is a locally detected engine error. Op names the rejected operation,
// Handle the attribute involved (0 when none).
type Error struct {
	Kind   ErrorKind
	Op     string
	Handle Handle
	State  ConnectionState
	Msg    string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	switch e.Kind {
	case InvalidState:
		if e.Op != "" {
			msg += fmt.Sprintf(" (state %s)", e.State)
		}
	case UnknownHandle, AlreadySubscribed, NotSubscribed:
		if e.Handle != 0 {
			msg += fmt.Sprintf(" (handle %d)", e.Handle)
		}
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, compare with errors.Is
var (
	ErrInvalidState        = &Error{Kind: InvalidState}
	ErrUnknownHandle       = &Error{Kind: UnknownHandle}
	ErrAlreadySubscribed   = &Error{Kind: AlreadySubscribed}
	ErrNotSubscribed       = &Error{Kind: NotSubscribed}
	ErrDiscoveryInProgress = &Error{Kind: DiscoveryInProgress}
	ErrBridgeFailure       = &Error{Kind: BridgeFailure}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// NewStateError reports that op is not legal in state.
func NewStateError(op string, state ConnectionState) error {
	return &Error{Kind: InvalidState, Op: op, State: state}
}

// NewHandleError reports a stale, never-registered or wrongly-typed handle.
func NewHandleError(op string, h Handle, msg string) error {
	return &Error{Kind: UnknownHandle, Op: op, Handle: h, Msg: msg}
}

// BridgeError is a failure reported by the bridge for one operation.
type BridgeError struct {
	Op      string
	Code    int
	Message string
	Err     error // underlying library error, if any
}

// Bridge error codes. Adapters map their library errors onto these.
const (
	CodeUnknown       = 0
	CodeNotFound      = 1
	CodeNotConnected  = 2
	CodeBluetoothOff  = 3
	CodeTimeout       = 4
	CodeNotPermitted  = 5
	CodeNotSupported  = 6
	CodeAlreadyExists = 7
)

func (e *BridgeError) Error() string {
	if e.Code != CodeUnknown {
		return fmt.Sprintf("%s: bridge failure %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: bridge failure: %s", e.Op, e.Message)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is matches ErrBridgeFailure so callers can test the category without errors.As.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == BridgeFailure
}

// AsBridgeError wraps err as a BridgeError for op unless it already is one
// or is a locally detected engine error.
func AsBridgeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var berr *BridgeError
	if errors.As(err, &berr) {
		return err
	}
	var eerr *Error
	if errors.As(err, &eerr) {
		return err
	}
	return &BridgeError{Op: op, Message: err.Error(), Err: err}
}

// IsKind reports whether err is an engine Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	if kind == BridgeFailure {
		var b *BridgeError
		return errors.As(err, &b)
	}
	return false
}
