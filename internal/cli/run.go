package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/breaker"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/config"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/engine"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/idempotency"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/metrics"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/reconcile"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/scheduler"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config    string
	TokenFile string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync engine",
		Long: `Start the sync engine daemon.

The engine recovers any mutations left inflight by a previous crash,
then dispatches the queue to the configured host, honoring per-host
circuit breakers, retry budgets, and exponential backoff.

Example:
  gnnsync run --config sync.yaml --db ./gnnsync.db
  gnnsync run --config sync.yaml --token-file /run/secrets/sync-token -v`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML configuration (required)")
	cmd.Flags().StringVar(&opts.TokenFile, "token-file", "", "file holding the bearer credential (default: GNNSYNC_TOKEN env)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runEngine(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	slog.Info("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}

	tokens := newTokenSource(opts.TokenFile)
	dispatcher, err := transport.NewDispatcher(transport.Config{
		BaseURL:        cfg.Host.BaseURL,
		Capabilities:   cfg.Host.Capabilities,
		AttemptTimeout: cfg.Host.AttemptTimeout.Std(),
	}, tokens, nil, slog.Default())
	if err != nil {
		_ = st.Close()
		return WrapExitError(ExitCommandError, "failed to build dispatcher", err)
	}

	policies, defaultPolicy := cfg.ResolverPolicies()
	resolver, err := reconcile.NewResolver(policies, defaultPolicy)
	if err != nil {
		_ = st.Close()
		return WrapExitError(ExitCommandError, "invalid conflict policies", err)
	}

	collector := metrics.NewCollector()
	breakers := breaker.NewRegistry(breaker.Config{
		WindowSize:        cfg.Breaker.WindowSize,
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		DegradedThreshold: cfg.Breaker.DegradedThreshold,
		MinSamples:        cfg.Breaker.MinSamples,
		Cooldown:          cfg.Breaker.Cooldown.Std(),
	}, slog.Default())

	keys := idempotency.NewManager(st, idempotency.WithTTL(cfg.IdempotencyTTL.Std()))

	eng := engine.New(st, dispatcher, keys, breakers, resolver,
		engine.WithWorkers(cfg.Workers),
		engine.WithLogger(slog.Default()),
		engine.WithMetrics(collector),
		engine.WithBackoff(scheduler.NewBackoff(cfg.Backoff.Base.Std(), cfg.Backoff.Cap.Std())),
		engine.WithBudgets(budgetsFromConfig(cfg)),
		engine.WithGlobalBudget(scheduler.NewGlobalBudget(cfg.GlobalBudget.Limit, cfg.GlobalBudget.Window.Std())),
	)
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			slog.Error("error closing engine", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.MetricsListen != "" {
		startMetricsServer(ctx, cfg.MetricsListen, collector)
	}

	slog.Info("engine starting",
		"db", opts.Database, "host", dispatcher.Host(), "workers", cfg.Workers)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started. Press Ctrl-C to stop.")

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

func budgetsFromConfig(cfg *config.Config) scheduler.Budgets {
	b := scheduler.DefaultBudgets()
	if cfg.Budgets.Default > 0 {
		b.Default = cfg.Budgets.Default
	}
	for kind, n := range cfg.Budgets.PerKind {
		b.PerKind[intent.OperationKind(kind)] = n
	}
	return b
}

// startMetricsServer exposes /metrics until ctx is cancelled. Listen
// failures are logged, not fatal: the sync loop matters more than the
// scrape endpoint.
func startMetricsServer(ctx context.Context, addr string, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("metrics listener starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
