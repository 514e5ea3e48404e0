package cli

import (
	"github.com/spf13/cobra"

	"github.com/grantcarthew/wsgate/internal/cli/format"
	"github.com/grantcarthew/wsgate/internal/wsconn"
)

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "List the websocket close status codes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if JSONOutput {
			codes := make([]map[string]any, 0, len(wsconn.StatusCodes()))
			for _, c := range wsconn.StatusCodes() {
				codes = append(codes, map[string]any{"code": int(c), "name": c.String()})
			}
			return outputSuccess(cmd.OutOrStdout(), codes)
		}
		return format.Codes(cmd.OutOrStdout(), format.NewOutputOptions(JSONOutput, NoColor))
	},
}

func init() {
	rootCmd.AddCommand(codesCmd)
}
