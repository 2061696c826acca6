package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/breaker"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/wire"
)

// drainTimeout bounds the store writes that settle inflight work after
// Run's context is cancelled.
const drainTimeout = 5 * time.Second

// idleWait is the poll interval when the queue holds nothing eligible and
// no backoff deadline is pending. Wake signals cut it short.
const idleWait = time.Minute

// dispatchResult carries one worker's classified outcome back to the loop
// goroutine, which owns all mutation state transitions.
type dispatchResult struct {
	mutation *intent.Mutation
	outcome  intent.Outcome
	elapsed  time.Duration

	// interrupted marks a non-success outcome observed after the run
	// context was cancelled. The attempt does not count.
	interrupted bool
}

// Run drives the dispatch loop until ctx is cancelled. It first executes
// the crash-recovery sweep, then repeatedly fills the worker pool with
// eligible mutations and applies their outcomes.
//
// Run is the single writer of mutation state. Call it from exactly one
// goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}

	results := make(chan dispatchResult, e.workers)
	active := 0

	for {
		n, err := e.fill(ctx, active, results)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// Store errors here are transient (disk pressure, lock
			// contention). Log and retry on the next pass.
			e.logger.Error("queue scan failed", "error", err)
		}
		active += n
		e.updateGauges(ctx)

		timerC, stop := e.nextWake(ctx, active)
		select {
		case <-ctx.Done():
			stop()
			goto drain
		case <-e.wake:
			stop()
		case <-timerC:
		case res := <-results:
			stop()
			active--
			e.handleResult(ctx, res)
		}
	}

drain:
	// Inflight dispatches finish against a detached context so their
	// outcomes still land durably. Anything interrupted returns to
	// queued with its original idempotency key.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for ; active > 0; active-- {
		res := <-results
		e.handleResult(drainCtx, res)
	}
	return ctx.Err()
}

// fill starts dispatch workers for eligible mutations until the pool is
// full or the queue has nothing ready. Returns how many workers started.
func (e *Engine) fill(ctx context.Context, active int, results chan<- dispatchResult) (int, error) {
	started := 0
	for active+started < e.workers {
		now := e.clock().UTC()
		m, err := e.store.NextReady(ctx, now)
		if err != nil {
			return started, err
		}
		if m == nil {
			return started, nil
		}

		// Retries draw from the process-wide budget so a flapping
		// backend cannot monopolize the radio. First attempts and
		// auth replays are exempt.
		if m.AttemptCount > 0 && !e.authRetried[m.ID] {
			if ok, resetAt := e.global.Spend(); !ok {
				e.collector.BudgetDeferral()
				e.logger.Debug("global retry budget exhausted",
					"mutation", m.ID, "reset_at", resetAt)
				if err := e.store.Defer(ctx, m.ID, resetAt); err != nil {
					return started, err
				}
				continue
			}
		}

		if err := e.breakers.Allow(e.dispatcher.Host()); err != nil {
			if !errors.Is(err, breaker.ErrCircuitOpen) && !errors.Is(err, breaker.ErrProbeInflight) {
				return started, err
			}
			e.logger.Debug("dispatch refused by breaker",
				"mutation", m.ID, "reason", err)
			if err := e.store.Defer(ctx, m.ID, now.Add(circuitDeferral)); err != nil {
				return started, err
			}
			// The breaker refuses every sibling too; stop filling.
			return started, nil
		}

		// Inflight state persists before any packet leaves. A crash from
		// here on is recoverable: the sweep requeues the mutation with
		// the same idempotency key.
		if err := e.store.MarkInflight(ctx, m.ID); err != nil {
			// The dispatch never left the process; free any claimed
			// probe slot without charging the host a failure.
			e.breakers.Release(e.dispatcher.Host())
			return started, err
		}

		started++
		go e.dispatch(ctx, m, results)
	}
	return started, nil
}

// dispatch runs in a worker goroutine. It performs exactly one network
// attempt and reports the classified outcome. No store access here.
func (e *Engine) dispatch(ctx context.Context, m *intent.Mutation, results chan<- dispatchResult) {
	start := e.clock()
	out := e.dispatcher.Dispatch(ctx, m, m.IdempotencyKey)
	results <- dispatchResult{
		mutation:    m,
		outcome:     out,
		elapsed:     e.clock().Sub(start),
		interrupted: ctx.Err() != nil && out.Class != intent.OutcomeSuccess,
	}
}

// handleResult applies one dispatch outcome. Loop goroutine only.
func (e *Engine) handleResult(ctx context.Context, res dispatchResult) {
	m := res.mutation
	out := res.outcome
	host := e.dispatcher.Host()

	e.collector.DispatchOutcome(string(out.Class), res.elapsed)

	if res.interrupted {
		// Shutdown raced the attempt; the outcome is not trustworthy.
		// Same key, no attempt charged.
		if err := e.store.Requeue(ctx, m.ID); err != nil {
			e.logger.Error("requeue after shutdown failed", "mutation", m.ID, "error", err)
		}
		return
	}

	// The single post-refresh replay is consumed by whatever outcome the
	// attempt produced. AuthExpired re-grants it below when appropriate.
	wasAuthReplay := e.authRetried[m.ID]
	delete(e.authRetried, m.ID)

	switch out.Class {
	case intent.OutcomeSuccess:
		e.breakers.Record(host, true)
		if err := e.applyAck(ctx, m, out.Response); err != nil {
			e.handleAckError(ctx, m, err)
			return
		}
		if err := e.store.MarkAcked(ctx, m.ID); err != nil {
			e.logger.Error("ack removal failed", "mutation", m.ID, "error", err)
		}

	case intent.OutcomeRetryable:
		e.breakers.Record(host, false)
		attempt := m.AttemptCount + 1
		if e.budgets.Exhausted(m.Kind, attempt) {
			reason := fmt.Sprintf("%s: retry budget exhausted after %d attempts: %s",
				intent.ErrCodeBudgetExhausted, attempt, out.Reason)
			e.logger.Warn("mutation failed terminally",
				"mutation", m.ID, "entity", m.EntityKey, "reason", reason)
			if err := e.store.MarkTerminal(ctx, m.ID, reason); err != nil {
				e.logger.Error("terminal transition failed", "mutation", m.ID, "error", err)
			}
			return
		}
		next := e.backoff.NextEligible(e.clock().UTC(), attempt, out.RetryAfter)
		e.collector.RetryScheduled()
		e.logger.Debug("retry scheduled",
			"mutation", m.ID, "attempt", attempt, "eligible_at", next, "reason", out.Reason)
		if err := e.store.RequeueAfter(ctx, m.ID, attempt, next, out.Reason); err != nil {
			e.logger.Error("retry scheduling failed", "mutation", m.ID, "error", err)
		}

	case intent.OutcomeTerminal:
		// The server understood the request and said no. Not a
		// connectivity failure.
		e.breakers.Record(host, true)
		e.logger.Warn("mutation rejected",
			"mutation", m.ID, "entity", m.EntityKey, "reason", out.Reason)
		if err := e.store.MarkTerminal(ctx, m.ID, out.Reason); err != nil {
			e.logger.Error("terminal transition failed", "mutation", m.ID, "error", err)
		}

	case intent.OutcomeAuthExpired:
		e.breakers.Record(host, true)
		if wasAuthReplay {
			// Refreshed credential was rejected too. Something beyond
			// token staleness is wrong; stop replaying.
			reason := "authentication rejected after credential refresh"
			e.logger.Warn("mutation failed terminally", "mutation", m.ID, "reason", reason)
			if err := e.store.MarkTerminal(ctx, m.ID, reason); err != nil {
				e.logger.Error("terminal transition failed", "mutation", m.ID, "error", err)
			}
			return
		}
		if err := e.dispatcher.Refresh(ctx); err != nil {
			e.logger.Warn("credential refresh failed", "mutation", m.ID, "error", err)
			next := e.backoff.NextEligible(e.clock().UTC(), m.AttemptCount+1, 0)
			if err := e.store.RequeueAfter(ctx, m.ID, m.AttemptCount+1, next, "credential refresh failed"); err != nil {
				e.logger.Error("retry scheduling failed", "mutation", m.ID, "error", err)
			}
			return
		}
		// Same idempotency key, immediate replay, no attempt charged.
		e.authRetried[m.ID] = true
		if err := e.store.Requeue(ctx, m.ID); err != nil {
			e.logger.Error("auth replay requeue failed", "mutation", m.ID, "error", err)
		}
		e.signalWake()

	case intent.OutcomeCircuitOpen:
		// Dispatcher-level refusal. The mutation owns no failure.
		if err := e.store.Defer(ctx, m.ID, e.clock().UTC().Add(circuitDeferral)); err != nil {
			e.logger.Error("circuit deferral failed", "mutation", m.ID, "error", err)
		}

	default:
		e.logger.Error("unknown outcome class", "mutation", m.ID, "class", out.Class)
		if err := e.store.Requeue(ctx, m.ID); err != nil {
			e.logger.Error("requeue failed", "mutation", m.ID, "error", err)
		}
	}
}

// applyAck decodes the server response and reconciles it into the entity
// table. The mutation stays inflight until this returns; only then is it
// removed from the queue.
func (e *Engine) applyAck(ctx context.Context, m *intent.Mutation, response []byte) error {
	env, err := wire.DecodeEnvelope(response)
	if err != nil {
		return err
	}
	if keys := env.ExtraKeys(); len(keys) > 0 {
		e.logger.Debug("unrecognized response fields preserved",
			"mutation", m.ID, "fields", keys)
	}
	ack, err := wire.DecodeAck(env.Data)
	if err != nil {
		return err
	}

	current, err := e.store.GetEntity(ctx, ack.EntityKey)
	if err != nil && !intent.IsNotFound(err) {
		return err
	}
	pending, err := e.store.NextQueuedForEntity(ctx, ack.EntityKey)
	if err != nil {
		return err
	}
	localDirty := pending != nil
	var pendingPayload []byte
	if pending != nil {
		pendingPayload = pending.Payload
	}

	res, err := e.resolver.Apply(current, ack, localDirty, pendingPayload)
	if err != nil {
		return err
	}
	if err := e.store.UpsertEntity(ctx, res.Entity); err != nil {
		return err
	}
	e.collector.ConflictResolved(string(e.resolver.PolicyFor(ack.EntityKey)))

	if res.Conflicted {
		e.logger.Info("conflict surfaced",
			"entity", ack.EntityKey, "fields", res.ConflictedFields,
			"discard_pending", res.DiscardPending)
	}
	if res.DiscardPending {
		n, err := e.store.MarkQueuedConflicted(ctx, ack.EntityKey, "superseded by authoritative server state")
		if err != nil {
			return err
		}
		if n > 0 {
			e.logger.Info("queued local edits surfaced as conflicted",
				"entity", ack.EntityKey, "count", n)
		}
	}

	// Advisory response cache: a duplicate tap inside the TTL window is
	// answered locally. Failure here never blocks the ack.
	if err := e.keys.RecordResponse(ctx, m.IdempotencyKey, response, 0); err != nil {
		e.logger.Warn("response caching failed", "mutation", m.ID, "error", err)
	}
	return nil
}

// handleAckError settles a mutation whose successful dispatch produced an
// unusable response. Structural schema breaks are terminal and loud;
// anything else (store trouble, mostly) requeues for another attempt.
func (e *Engine) handleAckError(ctx context.Context, m *intent.Mutation, err error) {
	if intent.IsSchemaIncompatible(err) {
		e.logger.Error("incompatible server response",
			"mutation", m.ID, "entity", m.EntityKey, "error", err)
		if terr := e.store.MarkTerminal(ctx, m.ID, err.Error()); terr != nil {
			e.logger.Error("terminal transition failed", "mutation", m.ID, "error", terr)
		}
		return
	}
	e.logger.Error("ack processing failed", "mutation", m.ID, "error", err)
	attempt := m.AttemptCount + 1
	next := e.backoff.NextEligible(e.clock().UTC(), attempt, 0)
	if rerr := e.store.RequeueAfter(ctx, m.ID, attempt, next, err.Error()); rerr != nil {
		e.logger.Error("retry scheduling failed", "mutation", m.ID, "error", rerr)
	}
}

// nextWake returns the timer channel for the next scheduled eligibility,
// or a long idle tick when nothing is pending. The returned stop releases
// the timer.
func (e *Engine) nextWake(ctx context.Context, active int) (<-chan time.Time, func()) {
	// A full pool waits on results alone; the idle tick is just a ceiling.
	wait := idleWait
	if active < e.workers {
		if next, ok, err := e.store.NextEligibleTime(ctx); err != nil {
			e.logger.Error("eligibility scan failed", "error", err)
		} else if ok {
			if d := next.Sub(e.clock().UTC()); d < wait {
				wait = d
			}
			if wait < 0 {
				wait = 0
			}
		}
	}
	t := time.NewTimer(wait)
	return t.C, func() { t.Stop() }
}

// updateGauges refreshes queue depth and breaker state metrics.
func (e *Engine) updateGauges(ctx context.Context) {
	if e.collector == nil {
		return
	}
	queued, err := e.store.CountByState(ctx, intent.StateQueued)
	if err != nil {
		return
	}
	inflight, err := e.store.CountByState(ctx, intent.StateInflight)
	if err != nil {
		return
	}
	e.collector.SetQueueDepth(queued, inflight)

	host := e.dispatcher.Host()
	var state float64
	switch e.breakers.Status(host) {
	case breaker.StatusOpen:
		state = 1
	case breaker.StatusHalfOpen:
		state = 2
	}
	e.collector.SetCircuitState(host, state)
}
