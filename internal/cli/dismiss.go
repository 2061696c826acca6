package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
)

// NewDismissCommand creates the dismiss command.
func NewDismissCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss <mutation-id>",
		Short: "Remove a terminally failed mutation",
		Long: `Remove a terminally failed mutation from the queue.

Only failed_terminal mutations can be dismissed. Queued and inflight
mutations leave the queue exclusively through acknowledgment.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDismiss(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runDismiss(cmd *cobra.Command, opts *RootOptions, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid mutation id %q", arg), err)
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

	if err := st.Dismiss(ctx, id); err != nil {
		if intent.IsNotFound(err) {
			return WrapExitError(ExitCommandError, fmt.Sprintf("no dismissable mutation %d", id), err)
		}
		return WrapExitError(ExitFailure, "dismiss failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return f.Success(map[string]any{"dismissed": id}, func(w io.Writer) {
		fmt.Fprintf(w, "dismissed mutation %d\n", id)
	})
}
