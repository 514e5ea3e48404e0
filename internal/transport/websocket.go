// Package transport adapts github.com/coder/websocket server connections to
// the wsconn.Transport contract.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// DefaultMaxMessageSize is the largest inbound message accepted by default.
const DefaultMaxMessageSize = 1 << 20

// CloseCodeHeader carries the rejection code on a refused handshake.
const CloseCodeHeader = "X-Websocket-Close-Code"

// ErrNotAccepted is returned when a message frame is sent before the handshake.
var ErrNotAccepted = errors.New("transport: websocket not accepted")

// ErrRejected is returned for any frame after the handshake was refused.
var ErrRejected = errors.New("transport: websocket rejected")

// frameBuffer is how many inbound frames the reader queues ahead of the
// handler.
const frameBuffer = 16

// disconnectWait bounds how long a failed write waits for the reader to
// report the peer's close code.
const disconnectWait = time.Second

// Options configures an HTTP transport.
type Options struct {
	MaxMessageSize     int64    // 0 = DefaultMaxMessageSize
	OriginPatterns     []string // passed to websocket.AcceptOptions
	InsecureSkipVerify bool     // disable origin checks
	Logger             *slog.Logger
}

// HTTP is a wsconn.Transport over a net/http upgrade request. The handshake
// is not performed until the accept frame is sent, so the application can
// still refuse the connection with a plain HTTP response.
//
// Once accepted, a background reader consumes inbound frames so that control
// frames are answered and a peer close is noticed while the handler is only
// sending. HTTP implements wsconn.DisconnectNotifier from that reader.
type HTTP struct {
	w      http.ResponseWriter
	r      *http.Request
	opts   Options
	logger *slog.Logger

	frames chan readResult
	done   chan struct{}

	mu             sync.Mutex
	conn           *websocket.Conn
	cancel         context.CancelFunc
	rejected       bool
	closing        bool
	final          readResult
	disconnected   bool
	disconnectCode wsconn.StatusCode
}

type readResult struct {
	frame wsconn.Frame
	err   error
}

// New creates a transport for an upgrade request.
func New(w http.ResponseWriter, r *http.Request, opts Options) *HTTP {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		w:      w,
		r:      r,
		opts:   opts,
		logger: logger,
		frames: make(chan readResult, frameBuffer),
		done:   make(chan struct{}),
	}
}

// IsUpgrade reports whether r asks for a websocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

// Offered returns the subprotocols offered in r, in order.
func Offered(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// NewScope describes r for hooks and handlers.
func NewScope(r *http.Request) wsconn.Scope {
	typ := wsconn.ScopeHTTP
	if IsUpgrade(r) {
		typ = wsconn.ScopeWebSocket
	}
	return wsconn.Scope{
		Type:         typ,
		Path:         r.URL.Path,
		RemoteAddr:   r.RemoteAddr,
		Header:       r.Header.Clone(),
		Subprotocols: Offered(r),
	}
}

// SendFrame implements wsconn.Transport.
func (t *HTTP) SendFrame(ctx context.Context, f wsconn.Frame) error {
	switch f.Kind {
	case wsconn.FrameAccept:
		return t.accept(f.Subprotocol)
	case wsconn.FrameClose:
		return t.close(f.Code)
	case wsconn.FrameText, wsconn.FrameBinary:
		conn, err := t.open()
		if err != nil {
			return err
		}
		typ := websocket.MessageText
		if f.Kind == wsconn.FrameBinary {
			typ = websocket.MessageBinary
		}
		if err := conn.Write(ctx, typ, f.Data); err != nil {
			return t.writeError(ctx, err)
		}
		return nil
	default:
		return fmt.Errorf("transport: cannot send %s frame", f.Kind)
	}
}

// ReceiveFrame implements wsconn.Transport. Frames queued by the background
// reader are returned before the peer's disconnect.
func (t *HTTP) ReceiveFrame(ctx context.Context) (wsconn.Frame, error) {
	if _, err := t.open(); err != nil {
		return wsconn.Frame{}, err
	}

	select {
	case res := <-t.frames:
		return res.frame, res.err
	case <-t.done:
		select {
		case res := <-t.frames:
			return res.frame, res.err
		default:
		}
		t.mu.Lock()
		final := t.final
		t.mu.Unlock()
		return final.frame, final.err
	case <-ctx.Done():
		return wsconn.Frame{}, ctx.Err()
	}
}

// Disconnected implements wsconn.DisconnectNotifier. It reports the peer's
// close once every frame received before it has been consumed.
func (t *HTTP) Disconnected() (wsconn.StatusCode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.disconnected || len(t.frames) > 0 {
		return 0, false
	}
	return t.disconnectCode, true
}

// Stop ends the background reader and releases the connection without a
// close handshake. It is safe to call more than once, and before the
// handshake.
func (t *HTTP) Stop() {
	t.mu.Lock()
	conn, cancel := t.conn, t.cancel
	t.mu.Unlock()
	if conn == nil {
		return
	}
	cancel()
	_ = conn.CloseNow()
	<-t.done
}

// readLoop feeds inbound frames to ReceiveFrame until the connection ends.
func (t *HTTP) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(t.done)
	for {
		f, err := t.readFrame(ctx, conn)
		var pv *wsconn.ProtocolViolationError
		if err == nil && f.Kind != wsconn.FrameDisconnect || errors.As(err, &pv) {
			select {
			case t.frames <- readResult{frame: f, err: err}:
				continue
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		t.finish(ctx, f, err)
		return
	}
}

// finish records how the reader ended. A close the peer started is reported
// through Disconnected; one that follows a local close or Stop is not.
func (t *HTTP) finish(ctx context.Context, f wsconn.Frame, err error) {
	code := f.Code
	if err != nil {
		code = wsconn.StatusAbnormalClosure
		err = &wsconn.DisconnectError{Code: code, Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.final = readResult{frame: f, err: err}
	if t.closing || ctx.Err() != nil {
		return
	}
	t.disconnected = true
	t.disconnectCode = code
	t.logger.Debug("websocket peer disconnected", "remote", t.r.RemoteAddr, "code", int(code))
}

// readFrame reads one message, enforcing the size limit and text encoding.
func (t *HTTP) readFrame(ctx context.Context, conn *websocket.Conn) (wsconn.Frame, error) {
	typ, r, err := conn.Reader(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return wsconn.Frame{Kind: wsconn.FrameDisconnect, Code: peerCode(code)}, nil
		}
		return wsconn.Frame{}, err
	}

	limit := t.opts.MaxMessageSize
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return wsconn.Frame{Kind: wsconn.FrameDisconnect, Code: peerCode(code)}, nil
		}
		return wsconn.Frame{}, err
	}
	if int64(len(data)) > limit {
		// The remainder must be consumed before the next message can be read.
		if _, err := io.Copy(io.Discard, r); err != nil {
			if code := websocket.CloseStatus(err); code != -1 {
				return wsconn.Frame{Kind: wsconn.FrameDisconnect, Code: peerCode(code)}, nil
			}
			return wsconn.Frame{}, err
		}
		return wsconn.Frame{}, &wsconn.ProtocolViolationError{
			Code:   wsconn.StatusMessageTooBig,
			Reason: fmt.Sprintf("message exceeds %d bytes", limit),
		}
	}

	if typ == websocket.MessageBinary {
		return wsconn.Frame{Kind: wsconn.FrameBinary, Data: data}, nil
	}
	if !utf8.Valid(data) {
		return wsconn.Frame{}, &wsconn.ProtocolViolationError{
			Code:   wsconn.StatusInvalidFramePayloadData,
			Reason: "text message is not valid UTF-8",
		}
	}
	return wsconn.Frame{Kind: wsconn.FrameText, Data: data}, nil
}

// accept performs the websocket handshake.
func (t *HTTP) accept(subprotocol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rejected {
		return ErrRejected
	}
	if t.conn != nil {
		return errors.New("transport: websocket already accepted")
	}

	opts := &websocket.AcceptOptions{
		OriginPatterns:     t.opts.OriginPatterns,
		InsecureSkipVerify: t.opts.InsecureSkipVerify,
	}
	if subprotocol != "" {
		opts.Subprotocols = []string{subprotocol}
	}
	conn, err := websocket.Accept(t.w, t.r, opts)
	if err != nil {
		return fmt.Errorf("transport: accept: %w", err)
	}
	// MaxMessageSize is enforced by readFrame so oversized messages can be
	// reported with their own close code.
	conn.SetReadLimit(-1)
	ctx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = cancel
	go t.readLoop(ctx, conn)

	t.logger.Debug("websocket accepted", "remote", t.r.RemoteAddr, "subprotocol", conn.Subprotocol())
	return nil
}

// close closes an accepted connection, or refuses the handshake with
// 403 Forbidden when nothing was accepted yet.
func (t *HTTP) close(code wsconn.StatusCode) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		if t.rejected {
			t.mu.Unlock()
			return ErrRejected
		}
		t.rejected = true
		t.mu.Unlock()

		t.w.Header().Set(CloseCodeHeader, strconv.Itoa(int(code)))
		http.Error(t.w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		t.logger.Debug("websocket rejected", "remote", t.r.RemoteAddr, "code", int(code))
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	// Codes that cannot appear on the wire are sent as a close without a
	// status; the connection still records the requested code.
	wire, reason := websocket.StatusCode(code), code.String()
	if !sendable(code) {
		wire, reason = websocket.StatusNoStatusRcvd, ""
	}
	err := conn.Close(wire, reason)
	t.Stop()
	if err == nil {
		return nil
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
		return &wsconn.DisconnectError{Code: peerCode(websocket.CloseStatus(err)), Err: err}
	}
	return fmt.Errorf("transport: close: %w", err)
}

// sendable reports whether code may be carried in a close frame.
func sendable(code wsconn.StatusCode) bool {
	switch code {
	case wsconn.StatusReserved, wsconn.StatusNoStatusRcvd, wsconn.StatusAbnormalClosure, wsconn.StatusTLSHandshake:
		return false
	}
	return code >= 1000 && code <= 1014 || code >= 3000 && code <= 4999
}

func (t *HTTP) open() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejected {
		return nil, ErrRejected
	}
	if t.conn == nil {
		return nil, ErrNotAccepted
	}
	return t.conn, nil
}

// writeError reports write failures caused by a gone peer as disconnects,
// with the peer's close code when the reader saw one.
func (t *HTTP) writeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if code := websocket.CloseStatus(err); code != -1 {
		return &wsconn.DisconnectError{Code: peerCode(code), Err: err}
	}

	timer := time.NewTimer(disconnectWait)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disconnected {
		return &wsconn.DisconnectError{Code: t.disconnectCode, Err: err}
	}
	return &wsconn.DisconnectError{Code: wsconn.StatusAbnormalClosure, Err: err}
}

// peerCode converts a coder status code, mapping "no status" to absent.
func peerCode(code websocket.StatusCode) wsconn.StatusCode {
	if code == -1 || code == websocket.StatusNoStatusRcvd {
		return 0
	}
	return wsconn.StatusCode(code)
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
