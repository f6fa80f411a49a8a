package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/event"
	"github.com/nstogner/ideacheck/pkg/merge"
)

var replayMarkdown bool

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Rebuild messages from a recorded event stream",
	Long: `Decode a recorded agent stream (NDJSON or SSE frames, "-" for stdin)
and print the messages it produces as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayMarkdown, "markdown", false, "Render message content as markdown instead of JSON")
}

func runReplay(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	msgs, err := replay(r, "replay")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !replayMarkdown {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		rendered, err := renderer.Render(m.Content)
		if err != nil {
			rendered = m.Content
		}
		fmt.Fprintf(out, "[%s %s]\n%s\n", m.ID, m.FinishReason, rendered)
	}
	return nil
}

// replay folds a recorded stream into messages, in order of first
// appearance. The terminator sentinel completes the stream like a done
// event; messages a truncated stream leaves open are finalized as errors.
func replay(r io.Reader, threadID string) ([]*domain.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	dec := event.NewDecoder()
	evs := append(dec.Feed(data), dec.Flush()...)
	if dec.Terminated() {
		evs = append(evs, event.Done{})
	}

	var last time.Time
	router := merge.NewRouter(threadID, func() time.Time { return last })
	for _, ev := range evs {
		if at := ev.Metadata().At; !at.IsZero() {
			last = at
		}
		router.Route(ev)
	}
	router.Finalize(domain.FinishError, "stream ended without a terminal event", last)
	return router.Drafts(), nil
}
