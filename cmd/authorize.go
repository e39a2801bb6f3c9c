package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hawkdelights/cake-orders/calendar"
)

// NewAuthorizeCommand runs the OAuth consent flow and stores the token used
// by later scheduling runs.
func NewAuthorizeCommand() *cobra.Command {
	var credentials, token string
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Grant access to Google Calendar and store the OAuth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return calendar.Authorize(cmd.Context(), credentials, token, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&credentials, "credentials", "credentials.json", "OAuth client credentials file")
	cmd.Flags().StringVar(&token, "token", "token.json", "OAuth token file")
	return cmd
}
