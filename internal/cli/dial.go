package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/wsgate/internal/cli/format"
	"github.com/grantcarthew/wsgate/internal/client"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

var dialCmd = &cobra.Command{
	Use:   "dial <url>",
	Short: "Connect to a websocket endpoint and print received messages",
	Long: `Connect to a websocket endpoint, send any --send messages, then print
received messages until the server closes, --count messages arrive, or
--timeout elapses.

Examples:
  dial ws://localhost:8765/hello
  dial ws://localhost:8765/clock --count 5 --timestamps
  dial ws://localhost:8765/protocol --protocol wsgate.v1 --send hi
  dial ws://localhost:8765/json --send '{"a":1}' --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDial,
}

var (
	dialProtocols  []string
	dialSend       []string
	dialCount      int
	dialTimeout    time.Duration
	dialTimestamps bool
)

func init() {
	dialCmd.Flags().StringSliceVar(&dialProtocols, "protocol", nil, "Subprotocols to offer (repeatable)")
	dialCmd.Flags().StringArrayVar(&dialSend, "send", nil, "Text message to send after connecting (repeatable)")
	dialCmd.Flags().IntVar(&dialCount, "count", 0, "Stop after this many messages (0 = until closed)")
	dialCmd.Flags().DurationVar(&dialTimeout, "timeout", 0, "Stop after this duration (0 = no limit)")
	dialCmd.Flags().BoolVar(&dialTimestamps, "timestamps", false, "Prefix messages with the receive time")
	rootCmd.AddCommand(dialCmd)
}

// dialOptions holds the parsed dial flags.
type dialOptions struct {
	url        string
	protocols  []string
	send       []string
	count      int
	timeout    time.Duration
	timestamps bool
}

func runDial(cmd *cobra.Command, args []string) error {
	if dialCount < 0 {
		return outputError("--count must not be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := dial(ctx, cmd.OutOrStdout(), dialOptions{
		url:        args[0],
		protocols:  dialProtocols,
		send:       dialSend,
		count:      dialCount,
		timeout:    dialTimeout,
		timestamps: dialTimestamps,
	})
	if err != nil {
		return outputError(err.Error())
	}
	return nil
}

// dial runs one client session and writes its transcript to w.
func dial(ctx context.Context, w io.Writer, o dialOptions) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	opts := format.NewOutputOptions(JSONOutput, NoColor)
	opts.Timestamps = o.timestamps

	c, err := client.Dial(ctx, o.url, client.Options{Subprotocols: o.protocols})
	if err != nil {
		return err
	}
	defer c.Close(wsconn.StatusNormalClosure)

	debugf("connected to %s (subprotocol %q)", o.url, c.Subprotocol())

	for _, text := range o.send {
		if err := c.SendText(ctx, text); err != nil {
			return err
		}
		if JSONOutput {
			_ = outputJSON(w, map[string]any{"sent": text})
		} else {
			_ = format.Sent(w, text, opts)
		}
	}

	for received := 0; o.count == 0 || received < o.count; received++ {
		m, err := c.Receive(ctx)
		var de *wsconn.DisconnectError
		switch {
		case errors.As(err, &de):
			if JSONOutput {
				return outputJSON(w, map[string]any{"closed": int(de.Code), "reason": de.Code.String()})
			}
			return format.Closed(w, de.Code, opts)
		case errors.Is(err, context.DeadlineExceeded) && o.timeout > 0:
			debugf("timeout after %s", o.timeout)
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return fmt.Errorf("receive failed: %w", err)
		}

		if JSONOutput {
			_ = outputJSON(w, messageJSON(m))
			continue
		}
		if err := format.Message(w, m, time.Now(), opts); err != nil {
			return err
		}
	}
	return nil
}

func messageJSON(m wsconn.Message) map[string]any {
	if m.IsText() {
		return map[string]any{"type": "text", "data": string(m.Data)}
	}
	return map[string]any{"type": "binary", "data": m.Data}
}

// debugf logs a debug message through the process logger.
func debugf(msg string, args ...any) {
	slog.Debug(fmt.Sprintf(msg, args...))
}
