package hooks

import (
	"context"
	"log/slog"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// AccessLog logs one line when an upgrade arrives and one when it completes.
type AccessLog struct {
	Logger *slog.Logger
}

// OnConnect implements lifecycle.Hook.
func (a AccessLog) OnConnect(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	a.logger().InfoContext(ctx, "upgrade requested",
		"conn", c.ID().String(),
		"path", scope.Path,
		"remote", scope.RemoteAddr,
		"offered", scope.Subprotocols,
	)
	return nil
}

// OnComplete implements lifecycle.Hook.
func (a AccessLog) OnComplete(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	code, _ := c.CloseCode()
	a.logger().InfoContext(ctx, "connection finished",
		"conn", c.ID().String(),
		"path", scope.Path,
		"accepted", c.Accepted(),
		"subprotocol", c.Subprotocol(),
		"code", int(code),
		"reason", code.String(),
	)
	return nil
}

func (a AccessLog) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
