package lifecycle

import (
	"context"
	"fmt"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// Hook is an extension point around a handler invocation.
type Hook interface {
	// OnConnect runs before the handler, only for upgrade requests, while the
	// connection is still pending. It may accept or reject the connection.
	// Returning an error rejects it; see RejectError.
	OnConnect(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error

	// OnComplete runs exactly once after the handler returned and the
	// connection was closed. It must tolerate c.Connected() == false.
	OnComplete(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error
}

// HookFuncs adapts plain functions to Hook. Nil functions are no-ops.
type HookFuncs struct {
	Connect  func(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error
	Complete func(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error
}

// OnConnect implements Hook.
func (h HookFuncs) OnConnect(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	if h.Connect == nil {
		return nil
	}
	return h.Connect(ctx, c, scope)
}

// OnComplete implements Hook.
func (h HookFuncs) OnComplete(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
	if h.Complete == nil {
		return nil
	}
	return h.Complete(ctx, c, scope)
}

// RejectError is returned by a connect hook to refuse a connection with a
// specific close code.
type RejectError struct {
	Code   wsconn.StatusCode
	Reason string
}

func (e *RejectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection rejected: %d %s", int(e.Code), e.Code)
	}
	return fmt.Sprintf("connection rejected: %s (%d %s)", e.Reason, int(e.Code), e.Code)
}

// Reject returns a *RejectError.
func Reject(code wsconn.StatusCode, reason string) error {
	return &RejectError{Code: code, Reason: reason}
}
