package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/idempotency"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Kind        string
	Payload     string
	PayloadFile string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <entity-key>",
		Short: "Capture a mutation into the durable queue",
		Long: `Capture a mutation into the durable queue.

The mutation receives its idempotency key at capture time and the local
entity is updated optimistically. A running engine delivers it when
connectivity allows. Re-submitting an identical payload for the same
entity within the dedupe window reuses the original key instead of
queueing a duplicate.

Example:
  gnnsync enqueue notes/42 --kind update --payload '{"title":"groceries"}'
  gnnsync enqueue notes/43 --kind create --payload-file note.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "update", "operation kind (create|update|delete)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "mutation payload as inline JSON")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read payload from file (\"-\" for stdin)")

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions, entityKey string) error {
	kind := intent.OperationKind(opts.Kind)
	switch kind {
	case intent.KindCreate, intent.KindUpdate, intent.KindDelete:
	default:
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid kind %q", opts.Kind), nil)
	}

	payload, err := readPayload(cmd.InOrStdin(), opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	keys := idempotency.NewManager(st)
	defer keys.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	key, reused, err := keys.KeyFor(ctx, kind, entityKey, payload, "")
	if err != nil {
		return WrapExitError(ExitFailure, "key assignment failed", err)
	}
	id, err := st.Enqueue(ctx, intent.Mutation{
		EntityKey:      entityKey,
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return WrapExitError(ExitFailure, "enqueue failed", err)
	}
	if _, err := st.ApplyLocalWrite(ctx, entityKey, payload); err != nil {
		return WrapExitError(ExitFailure, "local write failed", err)
	}

	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	data := map[string]any{
		"mutation_id":     id,
		"idempotency_key": key,
		"deduplicated":    reused,
	}
	return f.Success(data, func(w io.Writer) {
		if reused {
			fmt.Fprintf(w, "deduplicated: mutation %d already queued (key %s)\n", id, key)
			return
		}
		fmt.Fprintf(w, "queued mutation %d (key %s)\n", id, key)
	})
}

func readPayload(stdin io.Reader, opts *EnqueueOptions) (json.RawMessage, error) {
	var raw []byte
	switch {
	case opts.Payload != "" && opts.PayloadFile != "":
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	case opts.Payload != "":
		raw = []byte(opts.Payload)
	case opts.PayloadFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	case opts.PayloadFile != "":
		b, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, fmt.Errorf("one of --payload or --payload-file is required")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
