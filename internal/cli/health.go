package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewHealthCommand builds "evalctl health".
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "health",
		Short:         "Check the health of a running evald instance",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(rootOpts, cmd)
		},
	}
	return cmd
}

func runHealth(opts *RootOptions, cmd *cobra.Command) error {
	resp, err := http.Get(opts.BaseURL + "/health")
	if err != nil {
		return fmt.Errorf("request health: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(body)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "status:        %v\n", body["status"])
	fmt.Fprintf(cmd.OutOrStdout(), "runlevel:      %v\n", body["runlevel"])
	fmt.Fprintf(cmd.OutOrStdout(), "evals_current: %v\n", body["evals_current"])
	fmt.Fprintf(cmd.OutOrStdout(), "server_name:   %v\n", body["server_name"])

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance reported unhealthy status (%d)", resp.StatusCode)
	}
	return nil
}
