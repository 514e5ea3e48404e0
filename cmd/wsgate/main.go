package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/grantcarthew/wsgate/internal/cli"
)

var unknownFlag = regexp.MustCompile(`^unknown (?:shorthand )?flag: (.+)$`)

// formatCobraError converts verbose Cobra errors to user-friendly messages.
func formatCobraError(err error) string {
	msg := err.Error()

	if m := unknownFlag.FindStringSubmatch(msg); len(m) > 1 {
		return fmt.Sprintf("unknown flag %s (see wsgate --help)", strings.TrimSpace(m[1]))
	}
	if strings.HasPrefix(msg, "accepts ") && strings.Contains(msg, "arg(s)") {
		return msg + " (see wsgate <command> --help)"
	}

	return msg
}

func main() {
	if err := cli.Execute(); err != nil {
		// Print error if not already printed by command handler
		if !cli.IsPrintedError(err) {
			msg := formatCobraError(err)
			if cli.JSONOutput {
				resp := map[string]any{
					"ok":    false,
					"error": msg,
				}
				_ = json.NewEncoder(os.Stderr).Encode(resp)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
			}
		}
		os.Exit(1)
	}
}
