package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mmmika/construct/internal/event"
)

// fixture is the yaml shape an operator authors a draft event in: the
// fields eval.NewInjection needs before it derives an event id and
// this process's signer attaches a signature.
type fixture struct {
	Sender      string            `yaml:"sender"`
	Type        string            `yaml:"type"`
	StateKey    *string           `yaml:"state_key"`
	PrevEvents  []string          `yaml:"prev_events"`
	AuthEvents  []string          `yaml:"auth_events"`
	Depth       int64             `yaml:"depth"`
	Content     map[string]any    `yaml:"content"`
}

func (f fixture) toEvent() (*event.Event, error) {
	content, err := json.Marshal(f.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return &event.Event{
		Sender:     f.Sender,
		Type:       f.Type,
		StateKey:   f.StateKey,
		PrevEvents: f.PrevEvents,
		AuthEvents: f.AuthEvents,
		Depth:      f.Depth,
		Content:    content,
	}, nil
}

// NewInjectCommand builds "evalctl inject".
func NewInjectCommand(rootOpts *RootOptions) *cobra.Command {
	var roomID, file string

	cmd := &cobra.Command{
		Use:           "inject",
		Short:         "Submit a locally-authored event fixture for evaluation",
		Long: `Reads a yaml event fixture (sender, type, content, and optionally
state_key/prev_events/auth_events/depth) and submits it to a running
evald instance's local injection endpoint, where it is signed, run
through the full eval pipeline, and committed on success.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInject(rootOpts, cmd, roomID, file)
		},
	}

	cmd.Flags().StringVar(&roomID, "room", "", "room id to inject into (required)")
	cmd.Flags().StringVar(&file, "file", "-", "path to a yaml event fixture, or - for stdin")
	cmd.MarkFlagRequired("room")

	return cmd
}

func runInject(opts *RootOptions, cmd *cobra.Command, roomID, file string) error {
	var raw []byte
	var err error
	if file == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}

	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	draft, err := fx.toEvent()
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]*event.Event{"event": draft})
	if err != nil {
		return fmt.Errorf("marshal injection request: %w", err)
	}

	resp, err := http.Post(opts.BaseURL+"/inject/"+roomID, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit injection: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode injection response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("injection rejected: %v", result["error"])
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "committed: %s\n", result["event_id"])
	return nil
}
