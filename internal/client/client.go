package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/grantcarthew/wsgate/internal/transport"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// DefaultBuffer is the number of received messages held for Receive.
const DefaultBuffer = 64

// ErrClosed is returned by operations on a client closed with Close.
var ErrClosed = errors.New("client is closed")

// Options configures Dial.
type Options struct {
	Subprotocols   []string
	MaxMessageSize int64 // 0 = transport.DefaultMaxMessageSize
	Buffer         int
	Logger         *slog.Logger
}

// Client is a websocket client with a background read loop.
type Client struct {
	conn        Conn
	subprotocol string
	logger      *slog.Logger
	writeMu     sync.Mutex

	messages chan wsconn.Message

	// closed signals that the client is shutting down
	closed   atomic.Bool
	closedCh chan struct{}
	closeErr error
	closeMu  sync.Mutex

	// done signals that the read loop has exited
	done chan struct{}
}

// NewClient creates a new client with the given connection.
func NewClient(conn Conn, opts Options) *Client {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:     conn,
		logger:   logger,
		messages: make(chan wsconn.Message, buffer),
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a websocket endpoint and returns a new client.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: opts.Subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	limit := opts.MaxMessageSize
	if limit <= 0 {
		limit = transport.DefaultMaxMessageSize
	}
	conn.SetReadLimit(limit)

	c := NewClient(conn, opts)
	c.subprotocol = conn.Subprotocol()
	c.logger.Debug("connected", "url", url, "subprotocol", c.subprotocol)
	return c, nil
}

// Subprotocol returns the subprotocol selected by the server.
func (c *Client) Subprotocol() string {
	return c.subprotocol
}

// Receive returns the next message. Once the server has closed the
// connection and all buffered messages are consumed, it returns a
// *wsconn.DisconnectError carrying the server's close code.
func (c *Client) Receive(ctx context.Context) (wsconn.Message, error) {
	select {
	case m := <-c.messages:
		return m, nil
	default:
	}

	select {
	case m := <-c.messages:
		return m, nil
	case <-c.done:
		select {
		case m := <-c.messages:
			return m, nil
		default:
		}
		return wsconn.Message{}, c.Err()
	case <-ctx.Done():
		return wsconn.Message{}, ctx.Err()
	}
}

// Send writes m to the connection.
func (c *Client) Send(ctx context.Context, m wsconn.Message) error {
	if c.closed.Load() {
		return c.Err()
	}

	typ := websocket.MessageText
	if m.Type == wsconn.MessageBinary {
		typ = websocket.MessageBinary
	}

	c.writeMu.Lock()
	err := c.conn.Write(ctx, typ, m.Data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendText writes a text message.
func (c *Client) SendText(ctx context.Context, s string) error {
	return c.Send(ctx, wsconn.Text(s))
}

// Close closes the connection with code and stops the read loop.
func (c *Client) Close(code wsconn.StatusCode) error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.closeMu.Lock()
	if c.closeErr == nil {
		c.closeErr = ErrClosed
	}
	c.closeMu.Unlock()
	close(c.closedCh)

	err := c.conn.Close(websocket.StatusCode(code), code.String())

	// Wait for read loop to exit
	<-c.done

	return err
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// readLoop reads messages from the connection into the buffer.
func (c *Client) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.closeMu.Lock()
			if c.closeErr == nil {
				c.closeErr = disconnectError(err)
			}
			c.closeMu.Unlock()
			if !c.closed.Swap(true) {
				close(c.closedCh)
			}
			c.logger.Debug("read loop stopped", "error", err)
			return
		}

		m := wsconn.Message{Type: wsconn.MessageText, Data: data}
		if typ == websocket.MessageBinary {
			m.Type = wsconn.MessageBinary
		}

		select {
		case c.messages <- m:
		case <-c.closedCh:
			return
		}
	}
}

// disconnectError maps a read failure to the close code the server sent.
func disconnectError(err error) error {
	code := wsconn.StatusCode(websocket.CloseStatus(err))
	switch code {
	case -1:
		code = wsconn.StatusAbnormalClosure
	case wsconn.StatusNoStatusRcvd:
		code = wsconn.StatusNormalClosure
	}
	return &wsconn.DisconnectError{Code: code, Err: err}
}
