package wsconn

import (
	"context"
	"fmt"
)

// FrameKind tags a transport frame.
type FrameKind int

const (
	// FrameText carries a UTF-8 text message. Inbound and outbound.
	FrameText FrameKind = iota + 1
	// FrameBinary carries a binary message. Inbound and outbound.
	FrameBinary
	// FrameAccept completes the handshake. Outbound only.
	FrameAccept
	// FrameClose closes the connection, or rejects it before accept. Outbound only.
	FrameClose
	// FrameDisconnect reports that the peer went away. Inbound only.
	FrameDisconnect
)

// String returns a human-readable name for the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameAccept:
		return "accept"
	case FrameClose:
		return "close"
	case FrameDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("frame(%d)", int(k))
	}
}

// Frame is one discrete unit exchanged with a Transport.
type Frame struct {
	Kind        FrameKind
	Data        []byte
	Subprotocol string     // FrameAccept
	Code        StatusCode // FrameClose, FrameDisconnect; 0 when absent
}

// Transport delivers discrete frames for a single connection.
// A Conn owns its Transport exclusively.
type Transport interface {
	// ReceiveFrame blocks until a text, binary or disconnect frame arrives.
	// Malformed or oversized input is reported as a *ProtocolViolationError.
	ReceiveFrame(ctx context.Context) (Frame, error)

	// SendFrame blocks until the frame is handed to the transport.
	// A failure caused by the peer having gone away may be reported as a
	// *DisconnectError.
	SendFrame(ctx context.Context, f Frame) error
}

// DisconnectNotifier is implemented by transports that learn about a peer
// disconnect outside of ReceiveFrame. The Conn checks it before every
// operation so the disconnect surfaces at the next call of any kind.
type DisconnectNotifier interface {
	Disconnected() (code StatusCode, ok bool)
}

// MessageType distinguishes text and binary messages.
type MessageType int

const (
	MessageText   MessageType = MessageType(FrameText)
	MessageBinary MessageType = MessageType(FrameBinary)
)

// String returns "text" or "binary".
func (t MessageType) String() string {
	return FrameKind(t).String()
}

// Message is a complete text or binary payload.
type Message struct {
	Type MessageType
	Data []byte
}

// Text returns a text message.
func Text(s string) Message {
	return Message{Type: MessageText, Data: []byte(s)}
}

// Binary returns a binary message.
func Binary(p []byte) Message {
	return Message{Type: MessageBinary, Data: p}
}

// IsText reports whether the message is a text message.
func (m Message) IsText() bool { return m.Type == MessageText }

// String returns the payload as a string.
func (m Message) String() string { return string(m.Data) }
