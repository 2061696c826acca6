package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
)

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List entities needing conflict review",
		Long: `List entities whose last reconciliation flagged a conflict, together
with any mutations that failed terminally and await dismissal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(cmd, rootOpts)
		},
	}
	return cmd
}

func runConflicts(cmd *cobra.Command, opts *RootOptions) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entities, err := st.ListEntities(ctx, intent.SyncStateConflicted)
	if err != nil {
		return WrapExitError(ExitFailure, "entity listing failed", err)
	}
	failed, err := st.ListMutations(ctx, intent.StateFailedTerminal)
	if err != nil {
		return WrapExitError(ExitFailure, "mutation listing failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	data := map[string]any{
		"conflicted_entities": entities,
		"failed_mutations":    failed,
	}
	return f.Success(data, func(w io.Writer) {
		if len(entities) == 0 && len(failed) == 0 {
			fmt.Fprintln(w, "no conflicts")
			return
		}
		for _, e := range entities {
			fmt.Fprintf(w, "entity   %-30s version=%d\n", e.EntityKey, e.Version)
		}
		for _, m := range failed {
			fmt.Fprintf(w, "mutation %-6d %-30s %s\n", m.ID, m.EntityKey, m.LastError)
		}
	})
}
