// Package hooks provides lifecycle hooks for common connection policies.
package hooks

import (
	"context"

	"github.com/grantcarthew/wsgate/internal/lifecycle"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// RequireSubprotocol accepts connections that offer name, negotiating it,
// and rejects all others with StatusPolicyViolation.
func RequireSubprotocol(name string) lifecycle.Hook {
	return lifecycle.HookFuncs{
		Connect: func(ctx context.Context, c *wsconn.Conn, scope wsconn.Scope) error {
			if !c.Connecting() {
				return nil
			}
			if !scope.Offers(name) {
				return c.Connect(ctx, wsconn.ConnectOptions{Close: true, CloseCode: wsconn.StatusPolicyViolation})
			}
			return c.Accept(ctx, name)
		},
	}
}
