package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/breaker"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/idempotency"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/metrics"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/reconcile"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/scheduler"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
)

// Dispatcher sends one mutation to the network and classifies the result.
// Implemented by transport.Dispatcher (production) and test fakes.
type Dispatcher interface {
	Host() string
	Dispatch(ctx context.Context, m *intent.Mutation, idempotencyKey string) intent.Outcome
	Refresh(ctx context.Context) error
}

// DefaultWorkers bounds the dispatch pool when no option overrides it.
// Distinct entity keys dispatch concurrently up to this limit; one entity
// key never has two dispatches in flight.
const DefaultWorkers = 4

// circuitDeferral is how far eligibility is pushed when the breaker or the
// probe slot refuses a dispatch. Short: the mutation owns no failure here.
const circuitDeferral = 5 * time.Second

// Engine owns the dispatch loop and every mutation state transition.
type Engine struct {
	store      *store.Store
	dispatcher Dispatcher
	keys       *idempotency.Manager
	breakers   *breaker.Registry
	backoff    *scheduler.Backoff
	budgets    scheduler.Budgets
	global     *scheduler.GlobalBudget
	resolver   *reconcile.Resolver
	collector  *metrics.Collector
	logger     *slog.Logger
	clock      func() time.Time
	workers    int

	// wake signals newly enqueued work (buffered, size 1; coalesces).
	wake chan struct{}

	// authRetried tracks mutations that already consumed their single
	// post-refresh replay. Loop-goroutine only.
	authRetried map[int64]bool

	// authContext is the caller identity folded into fingerprints.
	authContext string
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the dispatch worker pool.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock overrides the time source (for testing).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches a Prometheus collector. Nil is fine.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithBudgets overrides the per-operation retry budgets.
func WithBudgets(b scheduler.Budgets) Option {
	return func(e *Engine) { e.budgets = b }
}

// WithGlobalBudget overrides the process-wide retry budget.
func WithGlobalBudget(g *scheduler.GlobalBudget) Option {
	return func(e *Engine) { e.global = g }
}

// WithBackoff overrides the backoff calculator.
func WithBackoff(b *scheduler.Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithAuthContext sets the caller identity folded into idempotency
// fingerprints, so the same payload from different principals never
// shares a key.
func WithAuthContext(authContext string) Option {
	return func(e *Engine) { e.authContext = authContext }
}

// New creates an engine over the given store, dispatcher, key manager,
// breaker registry, and conflict resolver.
func New(
	st *store.Store,
	dispatcher Dispatcher,
	keys *idempotency.Manager,
	breakers *breaker.Registry,
	resolver *reconcile.Resolver,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:       st,
		dispatcher:  dispatcher,
		keys:        keys,
		breakers:    breakers,
		backoff:     scheduler.NewBackoff(0, 0),
		budgets:     scheduler.DefaultBudgets(),
		global:      scheduler.NewGlobalBudget(60, time.Minute),
		resolver:    resolver,
		logger:      slog.Default(),
		clock:       time.Now,
		workers:     DefaultWorkers,
		wake:        make(chan struct{}, 1),
		authRetried: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitResult reports what Submit did with a user intent.
type SubmitResult struct {
	// MutationID identifies the queued mutation (existing one for a
	// deduplicated double-tap).
	MutationID int64

	// Deduplicated is true when the intent matched a recent fingerprint
	// and no new mutation was enqueued.
	Deduplicated bool

	// Entity is the optimistically updated materialized value.
	Entity *intent.Entity
}

// Submit captures a user intent: assigns (or reuses) the idempotency key,
// applies the optimistic local write, and durably enqueues the mutation.
// The UI reads the returned entity immediately; delivery happens whenever
// connectivity allows.
//
// Thread-safe: may be called from any goroutine.
func (e *Engine) Submit(ctx context.Context, entityKey string, kind intent.OperationKind, payload json.RawMessage) (*SubmitResult, error) {
	if entityKey == "" {
		return nil, intent.NewValidationError("entity key is required")
	}
	if len(payload) == 0 {
		return nil, intent.NewValidationError("payload is empty")
	}

	key, reused, err := e.keys.KeyFor(ctx, kind, entityKey, payload, e.authContext)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	if reused {
		// Double-tap inside the TTL window: the original mutation (or its
		// recorded response) already covers this intent.
		e.collector.IdempotencyReuse()
		e.logger.Debug("duplicate intent short-circuited", "entity", entityKey, "key", key)
	}

	id, err := e.store.Enqueue(ctx, intent.Mutation{
		EntityKey:      entityKey,
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: key,
		CreatedAt:      e.clock().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	entity, err := e.store.ApplyLocalWrite(ctx, entityKey, payload)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	if !reused {
		e.collector.MutationEnqueued()
	}
	e.signalWake()

	return &SubmitResult{MutationID: id, Deduplicated: reused, Entity: entity}, nil
}

// Dismiss removes a terminally failed mutation after the operator has
// acknowledged it.
func (e *Engine) Dismiss(ctx context.Context, id int64) error {
	return e.store.Dismiss(ctx, id)
}

// SetDegraded switches the connection-quality context on the breaker
// registry (degraded networks tolerate a higher failure ratio).
func (e *Engine) SetDegraded(degraded bool) {
	e.breakers.SetDegraded(degraded)
}

// Recover runs the crash-recovery sweep: every inflight mutation's
// outcome is unknown, so all return to queued with their original
// idempotency keys, and expired idempotency records are pruned.
func (e *Engine) Recover(ctx context.Context) error {
	requeued, err := e.store.RequeueInflight(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	pruned, err := e.store.PruneIdempotency(ctx, e.clock().UTC())
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if requeued > 0 || pruned > 0 {
		e.logger.Info("recovery sweep complete", "requeued", requeued, "pruned_idempotency", pruned)
	}
	return nil
}

// Close releases the engine's resources: the idempotency cache janitor
// and the underlying store. Errors are aggregated, not short-circuited.
func (e *Engine) Close() error {
	err := e.keys.Close()
	return multierr.Append(err, e.store.Close())
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
