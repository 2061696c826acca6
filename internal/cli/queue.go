package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	State string
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued mutations",
		Long: `List mutations in the durable queue.

By default only queued mutations are shown. Use --state to inspect
inflight or terminally failed ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "queued", "mutation state (queued|inflight|failed_terminal)")

	return cmd
}

func runQueue(cmd *cobra.Command, opts *QueueOptions) error {
	state := intent.MutationState(opts.State)
	switch state {
	case intent.StateQueued, intent.StateInflight, intent.StateFailedTerminal:
	default:
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid state %q", opts.State), nil)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	muts, err := st.ListMutations(ctx, state)
	if err != nil {
		return WrapExitError(ExitFailure, "queue listing failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return f.Success(muts, func(w io.Writer) {
		if len(muts) == 0 {
			fmt.Fprintf(w, "no %s mutations\n", state)
			return
		}
		for _, m := range muts {
			fmt.Fprintf(w, "%-6d %-8s %-30s attempts=%d eligible=%s",
				m.ID, m.Kind, m.EntityKey, m.AttemptCount,
				m.NextEligibleAt.Format("2006-01-02T15:04:05Z"))
			if m.LastError != "" {
				fmt.Fprintf(w, " last_error=%q", m.LastError)
			}
			fmt.Fprintln(w)
		}
	})
}
