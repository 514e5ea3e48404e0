package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/grantcarthew/wsgate/internal/demo"
	"github.com/grantcarthew/wsgate/internal/server"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// mockConn implements the Conn interface for testing.
type mockConn struct {
	mu      sync.Mutex
	readCh  chan frame
	written []frame
	readErr chan error
	closed  bool
	code    websocket.StatusCode
	closeCh chan struct{}
}

func newMockConn(frames ...frame) *mockConn {
	m := &mockConn{
		readCh:  make(chan frame, len(frames)+10),
		readErr: make(chan error, 1),
		closeCh: make(chan struct{}),
	}
	for _, f := range frames {
		m.readCh <- f
	}
	return m
}

func (m *mockConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-m.readCh:
		return f.typ, f.data, nil
	default:
	}
	select {
	case f := <-m.readCh:
		return f.typ, f.data, nil
	case err := <-m.readErr:
		return 0, nil, err
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (m *mockConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, frame{typ, data})
	return nil
}

func (m *mockConn) Close(code websocket.StatusCode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.code = code
		close(m.closeCh)
	}
	return nil
}

func (m *mockConn) getWritten() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]frame, len(m.written))
	copy(result, m.written)
	return result
}

func TestClient_Receive_ThenServerClose(t *testing.T) {
	t.Parallel()

	conn := newMockConn(
		frame{websocket.MessageText, []byte("one")},
		frame{websocket.MessageBinary, []byte{0x02}},
	)
	conn.readErr <- websocket.CloseError{Code: websocket.StatusGoingAway}

	client := NewClient(conn, Options{Logger: discard})
	defer client.Close(wsconn.StatusNormalClosure)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := client.Receive(ctx)
	if err != nil || !m.IsText() || m.String() != "one" {
		t.Fatalf("first Receive() = %v, %v", m, err)
	}
	m, err = client.Receive(ctx)
	if err != nil || m.Type != wsconn.MessageBinary {
		t.Fatalf("second Receive() = %v, %v", m, err)
	}

	_, err = client.Receive(ctx)
	var de *wsconn.DisconnectError
	if !errors.As(err, &de) {
		t.Fatalf("expected DisconnectError, got %v", err)
	}
	if de.Code != wsconn.StatusGoingAway {
		t.Errorf("Code = %d, want %d", de.Code, wsconn.StatusGoingAway)
	}
}

func TestClient_Receive_AbnormalClosure(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	conn.readErr <- io.ErrUnexpectedEOF

	client := NewClient(conn, Options{Logger: discard})
	defer client.Close(wsconn.StatusNormalClosure)

	_, err := client.Receive(context.Background())
	if got := wsconn.CloseStatus(err); got != wsconn.StatusAbnormalClosure {
		t.Errorf("CloseStatus() = %d, want %d", got, wsconn.StatusAbnormalClosure)
	}
}

func TestClient_Receive_ContextTimeout(t *testing.T) {
	t.Parallel()

	client := NewClient(newMockConn(), Options{Logger: discard})
	defer client.Close(wsconn.StatusNormalClosure)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := client.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestClient_Send(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewClient(conn, Options{Logger: discard})
	defer client.Close(wsconn.StatusNormalClosure)

	ctx := context.Background()
	if err := client.SendText(ctx, "hi"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := client.Send(ctx, wsconn.Binary([]byte{1})); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	written := conn.getWritten()
	if len(written) != 2 {
		t.Fatalf("expected 2 written messages, got %d", len(written))
	}
	if written[0].typ != websocket.MessageText || string(written[0].data) != "hi" {
		t.Errorf("first write = %v %q", written[0].typ, written[0].data)
	}
	if written[1].typ != websocket.MessageBinary {
		t.Errorf("second write type = %v, want binary", written[1].typ)
	}
}

func TestClient_Close_CleansUpResources(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewClient(conn, Options{Logger: discard})

	if err := client.Close(wsconn.StatusGoingAway); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if conn.code != websocket.StatusGoingAway {
		t.Errorf("close code = %v, want %v", conn.code, websocket.StatusGoingAway)
	}

	// Second close is a no-op
	if err := client.Close(wsconn.StatusNormalClosure); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := client.SendText(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close error = %v, want ErrClosed", err)
	}
	if _, err := client.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after Close error = %v, want ErrClosed", err)
	}
}

func newDemoServer(t *testing.T) string {
	t.Helper()
	srv, err := server.New(server.Config{
		Routes: demo.Routes(demo.Options{ClockInterval: 10 * time.Millisecond, Protocol: "wsgate.v1"}),
		Logger: discard,
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestDial_Hello(t *testing.T) {
	base := newDemoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, base+"/hello", Options{Logger: discard})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close(wsconn.StatusNormalClosure)

	for i := range demo.HelloCount {
		m, err := client.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() %d error = %v", i, err)
		}
		if m.String() != demo.HelloText {
			t.Fatalf("Receive() %d = %q", i, m.String())
		}
	}

	_, err = client.Receive(ctx)
	if got := wsconn.CloseStatus(err); got != wsconn.StatusNormalClosure {
		t.Errorf("CloseStatus() = %d, want %d (err %v)", got, wsconn.StatusNormalClosure, err)
	}
}

func TestDial_Protocol(t *testing.T) {
	base := newDemoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Dial(ctx, base+"/protocol", Options{Logger: discard}); err == nil {
		t.Fatal("Dial() without the required subprotocol should fail")
	}

	client, err := Dial(ctx, base+"/protocol", Options{Subprotocols: []string{"wsgate.v1"}, Logger: discard})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close(wsconn.StatusNormalClosure)

	if client.Subprotocol() != "wsgate.v1" {
		t.Errorf("Subprotocol() = %q, want wsgate.v1", client.Subprotocol())
	}
	m, err := client.Receive(ctx)
	if err != nil || m.String() != "speaking wsgate.v1" {
		t.Fatalf("greeting = %q, %v", m.String(), err)
	}

	if err := client.SendText(ctx, "ping"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	m, err = client.Receive(ctx)
	if err != nil || m.String() != "ping" {
		t.Errorf("echo = %q, %v", m.String(), err)
	}
}

func TestDial_ReadLimit(t *testing.T) {
	base := newDemoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name  string
		limit int64
		size  int
		ok    bool
	}{
		{name: "default fits 64 KiB", size: 64 << 10, ok: true},
		{name: "explicit limit exceeded", limit: 1 << 10, size: 4 << 10, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := Dial(ctx, base+"/echo", Options{MaxMessageSize: tt.limit, Logger: discard})
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer client.Close(wsconn.StatusNormalClosure)

			payload := strings.Repeat("x", tt.size)
			if err := client.SendText(ctx, payload); err != nil {
				t.Fatalf("SendText() error = %v", err)
			}
			m, err := client.Receive(ctx)
			if !tt.ok {
				if err == nil {
					t.Fatalf("Receive() = %d bytes, want error", len(m.Data))
				}
				return
			}
			if err != nil {
				t.Fatalf("Receive() error = %v", err)
			}
			if m.String() != payload {
				t.Errorf("Receive() = %d bytes, want %d", len(m.Data), len(payload))
			}
		})
	}
}
