// Package demo provides the connection handlers served by "wsgate serve".
package demo

import (
	"context"
	"errors"
	"time"

	"github.com/grantcarthew/wsgate/internal/hooks"
	"github.com/grantcarthew/wsgate/internal/lifecycle"
	"github.com/grantcarthew/wsgate/internal/server"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// HelloCount is the number of greetings Hello sends.
const HelloCount = 100

// HelloText is the greeting sent by the demo handlers.
const HelloText = "Hello World!"

// Tick is the structured message sent by Clock.
type Tick struct {
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text"`
}

// Options configures the demo routes.
type Options struct {
	ClockInterval time.Duration
	Protocol      string // subprotocol required on /protocol
}

// Routes returns the demo route table.
func Routes(opts Options) []server.Route {
	return []server.Route{
		{Path: "/hello", Handler: Hello},
		{Path: "/greet", Handler: Greet},
		{Path: "/clock", Handler: Clock(opts.ClockInterval)},
		{Path: "/echo", Handler: Echo},
		{Path: "/json", Handler: JSONEcho},
		{
			Path:    "/protocol",
			Handler: Protocol,
			Hooks:   []lifecycle.Hook{hooks.RequireSubprotocol(opts.Protocol)},
		},
	}
}

// Hello accepts, sends HelloCount greetings and returns without closing.
func Hello(ctx context.Context, c *wsconn.Conn) error {
	if err := c.Accept(ctx, ""); err != nil {
		return err
	}
	for range HelloCount {
		if err := c.SendText(ctx, HelloText); err != nil {
			return err
		}
	}
	return nil
}

// Greet returns its greeting as content for the driver to send.
var Greet = lifecycle.Rendered(func(ctx context.Context, c *wsconn.Conn) (any, error) {
	if err := c.Accept(ctx, ""); err != nil {
		return nil, err
	}
	return HelloText, nil
})

// Clock sends a Tick every interval until the peer goes away.
func Clock(interval time.Duration) lifecycle.Handler {
	if interval <= 0 {
		interval = time.Second
	}
	return func(ctx context.Context, c *wsconn.Conn) error {
		if err := c.Accept(ctx, ""); err != nil {
			return err
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			now := time.Now()
			tick := Tick{
				Timestamp: float64(now.UnixNano()) / float64(time.Second),
				Text:      HelloText,
			}
			if err := c.SendJSON(ctx, tick); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// Echo sends every message back with its type preserved.
func Echo(ctx context.Context, c *wsconn.Conn) error {
	if err := c.Accept(ctx, ""); err != nil {
		return err
	}
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		if err := c.Send(ctx, msg); err != nil {
			return err
		}
	}
}

// JSONEcho decodes each text message as JSON and sends it back wrapped in
// an "echo" object. Undecodable messages get an "error" object instead.
func JSONEcho(ctx context.Context, c *wsconn.Conn) error {
	if err := c.Accept(ctx, ""); err != nil {
		return err
	}
	for {
		var v any
		err := c.ReceiveJSON(ctx, &v)
		var de *wsconn.DecodeError
		switch {
		case errors.As(err, &de):
			if err := c.SendJSON(ctx, map[string]string{"error": de.Error()}); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		if err := c.SendJSON(ctx, map[string]any{"echo": v}); err != nil {
			return err
		}
	}
}

// Protocol greets with the negotiated subprotocol then echoes. A connection
// rejected by its connect hooks is left alone.
func Protocol(ctx context.Context, c *wsconn.Conn) error {
	if !c.Connected() {
		return nil
	}
	if err := c.SendText(ctx, "speaking "+c.Subprotocol()); err != nil {
		return err
	}
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		if err := c.Send(ctx, msg); err != nil {
			return err
		}
	}
}
