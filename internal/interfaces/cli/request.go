package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"cohort.app/auth/internal/core/domain"
)

var requestMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// newRequestCommand creates the request command
func newRequestCommand(app *App) *cobra.Command {
	var (
		data     string
		services bool
	)

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Call the Cohort API with the current session",
		Long: `Send an authenticated request to the Cohort API and print the JSON response.

An expired session is refreshed once and the request retried. When the
session cannot be recovered the stored credentials are cleared.`,
		Example: `  cohort request GET /me
  cohort request PATCH /profiles/me/ --data '{"github_id":"octocat"}' --services`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(args[0])
			if !requestMethods[method] {
				return fmt.Errorf("unsupported method %q", args[0])
			}

			var body any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &body); err != nil {
					return fmt.Errorf("--data is not valid JSON: %w", err)
				}
			}

			ctx := cmd.Context()
			app.start(ctx)

			client := app.Container.API
			if services {
				client = app.Container.Services
			}

			var out any
			if err := client.DoJSON(ctx, method, args[1], body, &out); err != nil {
				if errors.Is(err, domain.ErrUnauthorized) {
					return fmt.Errorf("request rejected: %w", err)
				}
				return err
			}

			if out == nil {
				return nil
			}
			pretty, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().BoolVar(&services, "services", false, "Use the storage-only client that does not refresh on 401")

	return cmd
}
