// Package format renders wsgate CLI output as text.
package format

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/grantcarthew/wsgate/internal/wsconn"
)

// Color helper functions that respect color.NoColor flag
func colorFprint(w io.Writer, c color.Attribute, s string) {
	color.New(c).Fprint(w, s)
}

func colorFprintf(w io.Writer, c color.Attribute, format string, args ...any) {
	color.New(c).Fprintf(w, format, args...)
}

// OutputOptions controls text formatting behavior.
type OutputOptions struct {
	UseColor   bool // Enable ANSI color codes
	Timestamps bool // Prefix messages with the local receive time
}

// NewOutputOptions returns output options based on flags and environment.
// Priority: jsonOutput > noColorFlag > NO_COLOR env > TTY detection.
func NewOutputOptions(jsonOutput bool, noColorFlag bool) OutputOptions {
	// JSON output never has colors
	if jsonOutput {
		return OutputOptions{UseColor: false}
	}

	// --no-color flag disables colors
	if noColorFlag {
		return OutputOptions{UseColor: false}
	}

	// NO_COLOR environment variable disables colors
	if os.Getenv("NO_COLOR") != "" {
		return OutputOptions{UseColor: false}
	}

	// Enable colors if stdout is a TTY
	return OutputOptions{
		UseColor: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// ActionError outputs "Error: <message>" for failed commands.
func ActionError(w io.Writer, msg string, opts OutputOptions) error {
	if opts.UseColor {
		colorFprint(w, color.FgRed, "Error:")
		fmt.Fprintf(w, " %s\n", msg)
	} else {
		fmt.Fprintf(w, "Error: %s\n", msg)
	}
	return nil
}

// Message outputs a received message on one line.
// Text: "< text"; binary: "< [binary N bytes] hex".
func Message(w io.Writer, m wsconn.Message, at time.Time, opts OutputOptions) error {
	if opts.Timestamps {
		fmt.Fprintf(w, "%s ", at.Format("15:04:05.000"))
	}
	if opts.UseColor {
		colorFprint(w, color.FgCyan, "<")
	} else {
		fmt.Fprint(w, "<")
	}

	if m.IsText() {
		_, err := fmt.Fprintf(w, " %s\n", m.Data)
		return err
	}

	if opts.UseColor {
		colorFprintf(w, color.FgYellow, " [binary %d bytes]", len(m.Data))
	} else {
		fmt.Fprintf(w, " [binary %d bytes]", len(m.Data))
	}
	_, err := fmt.Fprintf(w, " %s\n", hex.EncodeToString(m.Data))
	return err
}

// Sent outputs a message written by the client.
func Sent(w io.Writer, text string, opts OutputOptions) error {
	if opts.UseColor {
		colorFprint(w, color.FgGreen, ">")
	} else {
		fmt.Fprint(w, ">")
	}
	_, err := fmt.Fprintf(w, " %s\n", text)
	return err
}

// Closed outputs the close status of a connection.
// Format: "closed 1000 (normal closure)"
func Closed(w io.Writer, code wsconn.StatusCode, opts OutputOptions) error {
	fmt.Fprint(w, "closed ")
	formatStatus(w, code, opts)
	_, err := fmt.Fprintf(w, " (%s)\n", code)
	return err
}

// Codes outputs the close status code table, one code per line.
func Codes(w io.Writer, opts OutputOptions) error {
	for _, code := range wsconn.StatusCodes() {
		formatStatus(w, code, opts)
		if _, err := fmt.Fprintf(w, "  %s\n", code); err != nil {
			return err
		}
	}
	return nil
}

// formatStatus outputs a close code colored by severity.
func formatStatus(w io.Writer, code wsconn.StatusCode, opts OutputOptions) {
	if !opts.UseColor {
		fmt.Fprintf(w, "%d", code)
		return
	}
	switch code {
	case wsconn.StatusNormalClosure, wsconn.StatusGoingAway:
		colorFprintf(w, color.FgGreen, "%d", code)
	case wsconn.StatusServiceRestart, wsconn.StatusTryAgainLater:
		colorFprintf(w, color.FgYellow, "%d", code)
	default:
		colorFprintf(w, color.FgRed, "%d", code)
	}
}
