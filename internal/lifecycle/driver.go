// Package lifecycle drives a single connection through its hooks and handler
// and guarantees that it ends up closed exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// Handler serves one connection. It is invoked exactly once.
type Handler func(ctx context.Context, c *wsconn.Conn) error

// Driver runs hooks and a handler for a connection.
type Driver struct {
	Hooks  []Hook       // invoked in order
	Logger *slog.Logger // nil means slog.Default()
}

// Run serves c with h:
//
//  1. connect hooks run in order for upgrade requests; a failing hook rejects
//     the connection and the remaining connect hooks are skipped
//  2. h runs exactly once, even for a rejected connection
//  3. the connection is closed with the default code if h left it open
//  4. completion hooks run in order, each exactly once, whatever happened before
//
// A peer disconnect returned by h counts as normal termination. Any other
// handler error is returned, joined with close and completion hook errors.
// A panic in h is re-raised after steps 3 and 4.
func (d *Driver) Run(ctx context.Context, c *wsconn.Conn, h Handler) error {
	scope := c.Scope()
	logger := d.logger().With("conn", c.ID().String(), "path", scope.Path)

	if scope.Type == wsconn.ScopeWebSocket {
		d.connectPhase(ctx, c, scope, logger)
	}

	handlerErr, recovered := invoke(ctx, c, h)
	if handlerErr != nil && !errors.Is(handlerErr, wsconn.ErrDisconnected) {
		logger.Error("handler failed", "error", handlerErr)
	}

	closeErr := c.Close(context.WithoutCancel(ctx), 0)
	if closeErr != nil {
		logger.Warn("implicit close failed", "error", closeErr)
	}

	hookErr := d.completePhase(ctx, c, scope, logger)

	if recovered != nil {
		panic(recovered)
	}
	if errors.Is(handlerErr, wsconn.ErrDisconnected) {
		handlerErr = nil
	}
	return errors.Join(handlerErr, closeErr, hookErr)
}

func (d *Driver) connectPhase(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope, logger *slog.Logger) {
	for _, hook := range d.Hooks {
		if c.Closed() {
			return
		}
		err := safeCall(func() error { return hook.OnConnect(ctx, c, scope) })
		if err == nil {
			continue
		}

		code := wsconn.StatusPolicyViolation
		var re *RejectError
		if errors.As(err, &re) && re.Code != 0 {
			code = re.Code
		}
		logger.Warn("connect hook refused connection", "error", err, "code", int(code))

		var closeErr error
		if c.Connecting() {
			closeErr = c.Reject(ctx, code)
		} else {
			closeErr = c.Close(ctx, code)
		}
		if closeErr != nil && !errors.Is(closeErr, wsconn.ErrState) {
			logger.Warn("rejecting connection failed", "error", closeErr)
		}
		return
	}
}

func (d *Driver) completePhase(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope, logger *slog.Logger) error {
	var errs []error
	for _, hook := range d.Hooks {
		if err := safeCall(func() error { return hook.OnComplete(ctx, c, scope) }); err != nil {
			logger.Warn("completion hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// invoke calls h, converting a panic into an error plus the recovered value.
func invoke(ctx context.Context, c *wsconn.Conn, h Handler) (err error, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			err = fmt.Errorf("lifecycle: handler panic: %v", r)
		}
	}()
	return h(ctx, c), nil
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lifecycle: hook panic: %v", r)
		}
	}()
	return fn()
}
