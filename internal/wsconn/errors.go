package wsconn

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	// ErrState matches every *StateError.
	ErrState = errors.New("operation not valid in connection state")
	// ErrDisconnected matches every *DisconnectError.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrProtocolViolation matches every *ProtocolViolationError.
	ErrProtocolViolation = errors.New("protocol violation")
)

// StateError reports an operation attempted in a state that does not allow it,
// such as sending before the handshake or receiving after close.
// It is a programming error and is never retried.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("wsconn: cannot %s: connection is %s", e.Op, e.State)
}

// Is reports whether target is ErrState.
func (e *StateError) Is(target error) bool { return target == ErrState }

// DisconnectError reports that the peer closed the connection.
// The Conn is already closed when this is returned.
type DisconnectError struct {
	Code StatusCode
	Err  error // underlying transport error, if any
}

func (e *DisconnectError) Error() string {
	msg := fmt.Sprintf("wsconn: peer disconnected: %d %s", int(e.Code), e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrDisconnected.
func (e *DisconnectError) Is(target error) bool { return target == ErrDisconnected }

func (e *DisconnectError) Unwrap() error { return e.Err }

// ProtocolViolationError reports a malformed or oversized frame, or a
// subprotocol that the peer did not offer.
type ProtocolViolationError struct {
	Code   StatusCode // suggested close code
	Reason string
	Err    error
}

func (e *ProtocolViolationError) Error() string {
	msg := "wsconn: protocol violation"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrProtocolViolation.
func (e *ProtocolViolationError) Is(target error) bool { return target == ErrProtocolViolation }

func (e *ProtocolViolationError) Unwrap() error { return e.Err }

// MessageTypeError reports a message of the wrong type, such as a binary
// message where structured text was expected.
type MessageTypeError struct {
	Want MessageType
	Got  MessageType
}

func (e *MessageTypeError) Error() string {
	return fmt.Sprintf("wsconn: expected %s message, got %s", e.Want, e.Got)
}

// DecodeError wraps a failure to decode a structured message.
// It never changes the connection state.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "wsconn: decode message: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError wraps a failure to encode a structured message.
// It never changes the connection state.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "wsconn: encode message: " + e.Err.Error() }

func (e *EncodeError) Unwrap() error { return e.Err }

// CloseStatus returns the peer close code carried by err, or -1 if err does
// not wrap a *DisconnectError.
func CloseStatus(err error) StatusCode {
	var de *DisconnectError
	if errors.As(err, &de) {
		return de.Code
	}
	return -1
}
