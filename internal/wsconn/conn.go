// Package wsconn implements the lifecycle state machine and message I/O of a
// single message-oriented connection negotiated through an upgrade handshake.
//
// A Conn starts pending. The application accepts or rejects it with Connect,
// exchanges text, binary and structured messages, and closes it exactly once.
// Frames are moved by a Transport, which a Conn owns exclusively.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ConnectOptions controls how Connect completes the handshake.
type ConnectOptions struct {
	// Subprotocol is echoed to the peer as the negotiated subprotocol.
	// It must be one of the offered subprotocols.
	Subprotocol string
	// Close rejects the connection instead of accepting it.
	Close bool
	// CloseCode is sent when rejecting. Zero means StatusPolicyViolation.
	CloseCode StatusCode
}

// Option configures a Conn.
type Option func(*Conn)

// WithCodec sets the default structured message codec.
// Nil arguments keep the JSON defaults.
func WithCodec(enc Encoder, dec Decoder) Option {
	return func(c *Conn) {
		if enc != nil {
			c.encode = enc
		}
		if dec != nil {
			c.decode = dec
		}
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCloseOnViolation controls whether a protocol violation reported by the
// transport closes the connection with the violation's code. Default true.
func WithCloseOnViolation(enabled bool) Option {
	return func(c *Conn) {
		c.closeOnViolation = enabled
	}
}

// WithID overrides the generated connection id.
func WithID(id uuid.UUID) Option {
	return func(c *Conn) {
		c.id = id
	}
}

// Conn is one message-oriented connection.
//
// Operations are expected to be driven by a single handler goroutine. The
// status accessors may be called from any goroutine.
type Conn struct {
	id               uuid.UUID
	scope            Scope
	subprotocols     []string
	transport        Transport
	notifier         DisconnectNotifier
	encode           Encoder
	decode           Decoder
	closeOnViolation bool
	logger           *slog.Logger

	mu          sync.Mutex
	state       State
	accepted    bool
	subprotocol string
	closeCode   StatusCode
}

// New creates a pending Conn over t.
func New(t Transport, scope Scope, opts ...Option) *Conn {
	c := &Conn{
		id:               uuid.New(),
		scope:            scope,
		subprotocols:     slices.Clone(scope.Subprotocols),
		transport:        t,
		encode:           JSONEncode,
		decode:           JSONDecode,
		closeOnViolation: true,
		logger:           slog.Default(),
		state:            StatePending,
	}
	if n, ok := t.(DisconnectNotifier); ok {
		c.notifier = n
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conn", c.id.String())
	return c
}

// ID returns the connection id.
func (c *Conn) ID() uuid.UUID { return c.id }

// Scope returns the descriptor of the request the connection came from.
func (c *Conn) Scope() Scope { return c.scope }

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connecting reports whether the handshake has not completed yet.
func (c *Conn) Connecting() bool {
	s := c.State()
	return s == StatePending || s == StateConnecting
}

// Connected reports whether the handshake completed and the connection is open.
func (c *Conn) Connected() bool { return c.State() == StateConnected }

// Closed reports whether the connection reached its terminal state.
func (c *Conn) Closed() bool { return c.State() == StateClosed }

// Accepted reports whether the handshake ever completed, even if the
// connection has been closed since.
func (c *Conn) Accepted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted
}

// Subprotocols returns the subprotocols offered by the peer, in order.
func (c *Conn) Subprotocols() []string { return slices.Clone(c.subprotocols) }

// Subprotocol returns the negotiated subprotocol, or "" if none was accepted.
func (c *Conn) Subprotocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subprotocol
}

// CloseCode returns the code the connection was closed with.
// ok is false until the connection is closed.
func (c *Conn) CloseCode() (code StatusCode, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.state == StateClosed
}

// Accept completes the handshake, echoing subprotocol when it is non-empty.
func (c *Conn) Accept(ctx context.Context, subprotocol string) error {
	return c.Connect(ctx, ConnectOptions{Subprotocol: subprotocol})
}

// Reject refuses the handshake with code, or StatusPolicyViolation when code
// is zero. The connection never becomes connected.
func (c *Conn) Reject(ctx context.Context, code StatusCode) error {
	return c.Connect(ctx, ConnectOptions{Close: true, CloseCode: code})
}

// Connect completes the handshake. It fails with a *StateError unless the
// connection is pending.
func (c *Conn) Connect(ctx context.Context, opts ConnectOptions) error {
	c.mu.Lock()
	if err := c.checkLocked("connect", StatePending); err != nil {
		c.mu.Unlock()
		return err
	}

	if opts.Close {
		code := opts.CloseCode
		if code == 0 {
			code = StatusPolicyViolation
		}
		c.closeLocked(code)
		c.mu.Unlock()
		if err := c.transport.SendFrame(ctx, Frame{Kind: FrameClose, Code: code}); err != nil && !errors.Is(err, ErrDisconnected) {
			return fmt.Errorf("wsconn: reject: %w", err)
		}
		return nil
	}

	if opts.Subprotocol != "" && !slices.Contains(c.subprotocols, opts.Subprotocol) {
		c.mu.Unlock()
		return &ProtocolViolationError{
			Code:   StatusProtocolError,
			Reason: fmt.Sprintf("subprotocol %q was not offered", opts.Subprotocol),
		}
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.transport.SendFrame(ctx, Frame{Kind: FrameAccept, Subprotocol: opts.Subprotocol}); err != nil {
		return c.transportFailure(ctx, "accept", err)
	}

	c.mu.Lock()
	if c.state == StateConnecting {
		c.accepted = true
		c.subprotocol = opts.Subprotocol
		c.setStateLocked(StateConnected)
	}
	c.mu.Unlock()
	return nil
}

// Receive blocks until the next text or binary message arrives.
//
// When the peer disconnects the connection is closed with the peer's code and
// a *DisconnectError is returned. Malformed input yields a
// *ProtocolViolationError; unless disabled with WithCloseOnViolation the
// connection is closed with the violation's code first.
func (c *Conn) Receive(ctx context.Context) (Message, error) {
	if err := c.ready("receive"); err != nil {
		return Message{}, err
	}

	f, err := c.transport.ReceiveFrame(ctx)
	if err != nil {
		var pv *ProtocolViolationError
		if errors.As(err, &pv) {
			return Message{}, c.violation(ctx, pv)
		}
		return Message{}, c.transportFailure(ctx, "receive", err)
	}

	switch f.Kind {
	case FrameText, FrameBinary:
		return Message{Type: MessageType(f.Kind), Data: f.Data}, nil
	case FrameDisconnect:
		return Message{}, c.peerClosed(f.Code, nil)
	default:
		return Message{}, c.violation(ctx, &ProtocolViolationError{
			Code:   StatusProtocolError,
			Reason: fmt.Sprintf("unexpected inbound %s frame", f.Kind),
		})
	}
}

// ReceiveStructured receives a text message and decodes it into v with dec,
// or with the connection's decoder when dec is nil. Decoding failures and
// non-text messages are reported as *DecodeError and leave the state unchanged.
func (c *Conn) ReceiveStructured(ctx context.Context, v any, dec Decoder) error {
	if dec == nil {
		dec = c.decode
	}
	m, err := c.Receive(ctx)
	if err != nil {
		return err
	}
	if !m.IsText() {
		return &DecodeError{Err: &MessageTypeError{Want: MessageText, Got: m.Type}}
	}
	if err := dec(m.Data, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// ReceiveJSON is ReceiveStructured with the connection's decoder.
func (c *Conn) ReceiveJSON(ctx context.Context, v any) error {
	return c.ReceiveStructured(ctx, v, nil)
}

// Send writes one message. Messages are delivered in call order.
func (c *Conn) Send(ctx context.Context, m Message) error {
	if err := c.ready("send"); err != nil {
		return err
	}
	if m.Type != MessageText && m.Type != MessageBinary {
		return &ProtocolViolationError{
			Code:   StatusUnsupportedData,
			Reason: fmt.Sprintf("cannot send message of type %d", int(m.Type)),
		}
	}
	if err := c.transport.SendFrame(ctx, Frame{Kind: FrameKind(m.Type), Data: m.Data}); err != nil {
		return c.transportFailure(ctx, "send", err)
	}
	return nil
}

// SendText writes a text message.
func (c *Conn) SendText(ctx context.Context, s string) error {
	return c.Send(ctx, Text(s))
}

// SendBinary writes a binary message.
func (c *Conn) SendBinary(ctx context.Context, p []byte) error {
	return c.Send(ctx, Binary(p))
}

// SendStructured encodes v with enc, or with the connection's encoder when
// enc is nil, and sends the result as a text message.
func (c *Conn) SendStructured(ctx context.Context, v any, enc Encoder) error {
	if enc == nil {
		enc = c.encode
	}
	data, err := enc(v)
	if err != nil {
		return &EncodeError{Err: err}
	}
	return c.Send(ctx, Message{Type: MessageText, Data: data})
}

// SendJSON is SendStructured with the connection's encoder.
func (c *Conn) SendJSON(ctx context.Context, v any) error {
	return c.SendStructured(ctx, v, nil)
}

// Close sends a close frame with code, or StatusNormalClosure when code is
// zero, and moves the connection to its terminal state. Only the first call
// has any effect; later calls return nil without touching the transport.
// Closing a pending connection rejects it.
func (c *Conn) Close(ctx context.Context, code StatusCode) error {
	if code == 0 {
		code = StatusNormalClosure
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.closeLocked(code)
	c.mu.Unlock()

	if err := c.transport.SendFrame(ctx, Frame{Kind: FrameClose, Code: code}); err != nil && !errors.Is(err, ErrDisconnected) {
		return fmt.Errorf("wsconn: close: %w", err)
	}
	return nil
}

// ready checks that the connection is connected and surfaces a disconnect
// flagged by the transport.
func (c *Conn) ready(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked(op, StateConnected)
}

func (c *Conn) checkLocked(op string, want State) error {
	if c.state != want {
		return &StateError{Op: op, State: c.state}
	}
	if c.notifier != nil {
		if code, ok := c.notifier.Disconnected(); ok {
			code = peerCode(code)
			c.closeLocked(code)
			return &DisconnectError{Code: code}
		}
	}
	return nil
}

// peerClosed records a peer-initiated close.
func (c *Conn) peerClosed(code StatusCode, cause error) error {
	code = peerCode(code)
	c.mu.Lock()
	if c.state != StateClosed {
		c.closeLocked(code)
	} else {
		code = c.closeCode
	}
	c.mu.Unlock()
	return &DisconnectError{Code: code, Err: cause}
}

// violation applies the close-on-violation policy and returns pv.
func (c *Conn) violation(ctx context.Context, pv *ProtocolViolationError) error {
	c.logger.Warn("protocol violation", "reason", pv.Reason, "code", int(pv.Code), "error", pv.Err)
	if !c.closeOnViolation {
		return pv
	}
	code := pv.Code
	if code == 0 {
		code = StatusProtocolError
	}
	if err := c.Close(ctx, code); err != nil {
		c.logger.Warn("close after protocol violation failed", "error", err)
	}
	return pv
}

// transportFailure maps a transport error from op. Context cancellation is
// returned as is. Anything else means the connection is gone.
func (c *Conn) transportFailure(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	var de *DisconnectError
	if errors.As(err, &de) {
		return c.peerClosed(de.Code, de.Err)
	}
	c.logger.Debug("transport failure", "op", op, "error", err)
	return c.peerClosed(StatusAbnormalClosure, err)
}

func (c *Conn) closeLocked(code StatusCode) {
	c.closeCode = code
	c.setStateLocked(StateClosed)
}

func (c *Conn) setStateLocked(s State) {
	if s <= c.state {
		return
	}
	c.logger.Debug("connection state changed", "from", c.state.String(), "to", s.String())
	c.state = s
}

// peerCode resolves an absent peer close code to StatusNormalClosure.
func peerCode(code StatusCode) StatusCode {
	if code == 0 || code == StatusNoStatusRcvd {
		return StatusNormalClosure
	}
	return code
}
