package lifecycle

import (
	"context"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// Response is a final message sent by a Rendered handler before the
// connection is closed with Code (zero means normal closure).
type Response struct {
	Content any
	Code    wsconn.StatusCode
}

// Rendered turns a handler that returns a value into a Handler. If the
// connection is still open when fn returns, the value is sent as the last
// message and the connection is closed:
//
//   - nil sends nothing
//   - string sends a text message, []byte a binary one, wsconn.Message as is
//   - Response or *Response sends Content and closes with Code
//   - anything else is sent as a structured message
func Rendered(fn func(ctx context.Context, c *wsconn.Conn) (any, error)) Handler {
	return func(ctx context.Context, c *wsconn.Conn) error {
		v, err := fn(ctx, c)
		if err != nil {
			return err
		}
		return Render(ctx, c, v)
	}
}

// Render sends v as described in Rendered and closes c. It does nothing when
// c is not connected.
func Render(ctx context.Context, c *wsconn.Conn, v any) error {
	if !c.Connected() {
		return nil
	}

	var resp Response
	switch r := v.(type) {
	case Response:
		resp = r
	case *Response:
		if r != nil {
			resp = *r
		}
	default:
		resp = Response{Content: v}
	}

	var err error
	switch content := resp.Content.(type) {
	case nil:
	case string:
		err = c.SendText(ctx, content)
	case []byte:
		err = c.SendBinary(ctx, content)
	case wsconn.Message:
		err = c.Send(ctx, content)
	default:
		err = c.SendJSON(ctx, content)
	}
	if err != nil {
		return err
	}
	return c.Close(ctx, resp.Code)
}
