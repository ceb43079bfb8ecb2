// Package cli implements evalctl, the operator tool for a running
// event evaluation core: submitting locally-authored events for
// injection, checking process health, and fetching a single event by
// id for inspection. Grounded on the teacher's cobra CLI shape
// (RootOptions threaded through subcommands, one file per command).
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags every subcommand reads.
type RootOptions struct {
	BaseURL string
	Format  string // "text" | "json"
}

var validFormats = []string{"text", "json"}

// NewRootCommand builds the evalctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "evalctl",
		Short: "Operator CLI for the event evaluation and fetch core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.BaseURL, "url", "http://localhost:8008", "base URL of the running evald instance")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewInjectCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}
