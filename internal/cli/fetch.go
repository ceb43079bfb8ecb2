package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewFetchCommand builds "evalctl fetch", a thin client over this
// server's own /_matrix/federation/v1/event/{id} endpoint, useful for
// checking whether an event committed without reaching into storage
// directly.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fetch <event-id>",
		Short:         "Look up a committed event by id",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runFetch(opts *RootOptions, cmd *cobra.Command, eventID string) error {
	resp, err := http.Get(opts.BaseURL + "/_matrix/federation/v1/event/" + eventID)
	if err != nil {
		return fmt.Errorf("request event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("event %s not found", eventID)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode event response: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
