package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
)

// Enqueue appends a mutation to the durable queue and returns its id.
//
// The idempotency key must already be assigned (by the key manager) and is
// never regenerated afterwards. Enqueue is the append step of the
// append-then-mutate discipline: the row is durable before any dispatch
// attempt is made.
//
// Returns a VALIDATION error if the payload is empty or the entity key is
// absent. A duplicate idempotency key (double-tap that slipped past the
// advisory cache) returns the existing mutation's id instead of inserting.
func (s *Store) Enqueue(ctx context.Context, m intent.Mutation) (int64, error) {
	if m.EntityKey == "" {
		return 0, intent.NewValidationError("entity key is required")
	}
	if len(m.Payload) == 0 {
		return 0, intent.NewValidationError("payload is empty")
	}
	if m.IdempotencyKey == "" {
		return 0, intent.NewValidationError("idempotency key is required")
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations
		(entity_key, kind, payload, idempotency_key, created_at, attempt_count, next_eligible_at, state, last_error)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, '')
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		m.EntityKey,
		string(m.Kind),
		string(m.Payload),
		m.IdempotencyKey,
		toMillis(createdAt),
		string(intent.StateQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("enqueue: rows affected: %w", err)
	}
	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("enqueue: last insert id: %w", err)
		}
		return id, nil
	}

	// Key already queued - return the existing row so the caller observes
	// exactly one mutation per intent.
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM mutations WHERE idempotency_key = ?`, m.IdempotencyKey,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue: select existing: %w", err)
	}
	return id, nil
}

// NextReady returns the oldest queued mutation that is eligible at now.
//
// A mutation is eligible only when no sibling with the same entity key is
// inflight and no older sibling is still queued (FIFO per entity key -
// a younger mutation never overtakes an older one waiting out its backoff).
// Returns (nil, nil) when nothing is ready.
func (s *Store) NextReady(ctx context.Context, now time.Time) (*intent.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_key, kind, payload, idempotency_key, created_at,
		       attempt_count, next_eligible_at, state, last_error
		FROM mutations m
		WHERE m.state = ?
		  AND m.next_eligible_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM mutations x
		      WHERE x.entity_key = m.entity_key
		        AND (x.state = ? OR (x.state = ? AND x.id < m.id))
		  )
		ORDER BY m.id ASC
		LIMIT 1
	`,
		string(intent.StateQueued),
		toMillis(now),
		string(intent.StateInflight),
		string(intent.StateQueued),
	)

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next ready: %w", err)
	}
	return m, nil
}

// MarkInflight transitions a queued mutation to inflight.
// The transition is persisted before the dispatch attempt happens, so a
// crash mid-flight resumes as inflight and is treated as unknown outcome.
func (s *Store) MarkInflight(ctx context.Context, id int64) error {
	return s.transition(ctx, id, intent.StateQueued, intent.StateInflight, "")
}

// MarkAcked removes an acknowledged mutation from the queue.
// Removal is the only success path out of the queue.
func (s *Store) MarkAcked(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE id = ? AND state = ?`,
		id, string(intent.StateInflight),
	)
	if err != nil {
		return fmt.Errorf("mark acked: %w", err)
	}
	return requireAffected(res, id, "mark acked")
}

// RequeueAfter returns a transiently failed mutation to the queue with an
// updated attempt count and eligibility time. The idempotency key is
// untouched.
func (s *Store) RequeueAfter(ctx context.Context, id int64, attemptCount int, nextEligibleAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET state = ?, attempt_count = ?, next_eligible_at = ?, last_error = ?
		WHERE id = ? AND state = ?
	`,
		string(intent.StateQueued),
		attemptCount,
		toMillis(nextEligibleAt),
		reason,
		id,
		string(intent.StateInflight),
	)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return requireAffected(res, id, "requeue")
}

// Defer pushes a queued or inflight mutation's eligibility forward without
// touching its attempt count. Used when the circuit breaker or the global
// retry budget - not the mutation - owns the failure.
func (s *Store) Defer(ctx context.Context, id int64, nextEligibleAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET state = ?, next_eligible_at = ?
		WHERE id = ? AND state IN (?, ?)
	`,
		string(intent.StateQueued),
		toMillis(nextEligibleAt),
		id,
		string(intent.StateQueued),
		string(intent.StateInflight),
	)
	if err != nil {
		return fmt.Errorf("defer: %w", err)
	}
	return requireAffected(res, id, "defer")
}

// MarkTerminal transitions an inflight mutation to failed_terminal.
// The row stays visible until an operator dismisses it; terminal failures
// are surfaced, never silently dropped.
func (s *Store) MarkTerminal(ctx context.Context, id int64, reason string) error {
	return s.transition(ctx, id, intent.StateInflight, intent.StateFailedTerminal, reason)
}

// Requeue returns an inflight mutation to queued immediately, preserving
// its attempt count. Used for cancellation (circuit opened mid-flight or
// process suspension): the outcome is unknown, so the mutation is never
// acked here - redispatch is safe because the idempotency key is reused.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	return s.transition(ctx, id, intent.StateInflight, intent.StateQueued, "")
}

// RequeueInflight is the crash-recovery sweep run at startup: every
// inflight mutation's outcome is unknown, so all of them return to queued
// with their original idempotency keys and become immediately eligible.
// Returns the number of mutations recovered.
func (s *Store) RequeueInflight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET state = ?, next_eligible_at = 0
		WHERE state = ?
	`,
		string(intent.StateQueued),
		string(intent.StateInflight),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue inflight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue inflight: rows affected: %w", err)
	}
	return n, nil
}

// MarkQueuedConflicted surfaces every still-queued mutation for an entity
// as rejected (failed_terminal). Used by the server-wins conflict policy:
// the pending local edits are discarded from dispatch but stay visible
// until an operator dismisses them. Returns the number surfaced.
func (s *Store) MarkQueuedConflicted(ctx context.Context, entityKey, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations
		SET state = ?, last_error = ?
		WHERE entity_key = ? AND state = ?
	`,
		string(intent.StateFailedTerminal),
		reason,
		entityKey,
		string(intent.StateQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("mark queued conflicted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark queued conflicted: rows affected: %w", err)
	}
	return n, nil
}

// NextQueuedForEntity returns the oldest still-queued mutation for an
// entity key, eligibility aside. The reconciler uses it to see the newer
// local write behind an acknowledged mutation. Returns (nil, nil) when the
// entity has nothing queued.
func (s *Store) NextQueuedForEntity(ctx context.Context, entityKey string) (*intent.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_key, kind, payload, idempotency_key, created_at,
		       attempt_count, next_eligible_at, state, last_error
		FROM mutations
		WHERE entity_key = ? AND state = ?
		ORDER BY id ASC
		LIMIT 1
	`, entityKey, string(intent.StateQueued))

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued for entity: %w", err)
	}
	return m, nil
}

// Dismiss removes a terminally failed mutation after operator
// acknowledgment. Dismissing a row in any other state is an error: only an
// ack or an explicit terminal-failure dismissal removes queue entries.
func (s *Store) Dismiss(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE id = ? AND state = ?`,
		id, string(intent.StateFailedTerminal),
	)
	if err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	return requireAffected(res, id, "dismiss")
}

// GetMutation returns a single mutation by id.
func (s *Store) GetMutation(ctx context.Context, id int64) (*intent.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_key, kind, payload, idempotency_key, created_at,
		       attempt_count, next_eligible_at, state, last_error
		FROM mutations WHERE id = ?
	`, id)

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &intent.SyncError{Code: intent.ErrCodeNotFound, Message: "mutation not found", MutationID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation: %w", err)
	}
	return m, nil
}

// ListMutations returns all mutations in submission order, optionally
// filtered by state. Pass an empty state for no filter.
func (s *Store) ListMutations(ctx context.Context, state intent.MutationState) ([]intent.Mutation, error) {
	query := `
		SELECT id, entity_key, kind, payload, idempotency_key, created_at,
		       attempt_count, next_eligible_at, state, last_error
		FROM mutations`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var out []intent.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("list mutations: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mutations: iterate: %w", err)
	}
	if out == nil {
		out = []intent.Mutation{}
	}
	return out, nil
}

// NextEligibleTime returns the earliest next_eligible_at among queued
// mutations that a timer could actually dispatch, for the engine's backoff
// timer. Mutations held back by an inflight or older queued sibling are
// excluded: their wake event is that sibling's completion, not the clock,
// and counting them would arm an already-expired timer on every pass.
// ok is false when nothing is timer-dispatchable.
func (s *Store) NextEligibleTime(ctx context.Context) (t time.Time, ok bool, err error) {
	var ms sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(next_eligible_at) FROM mutations m
		WHERE m.state = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM mutations x
		      WHERE x.entity_key = m.entity_key
		        AND (x.state = ? OR (x.state = ? AND x.id < m.id))
		  )
	`,
		string(intent.StateQueued),
		string(intent.StateInflight),
		string(intent.StateQueued),
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next eligible time: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

// CountByState returns the number of mutations in the given state.
// Used for metrics and queue inspection.
func (s *Store) CountByState(ctx context.Context, state intent.MutationState) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE state = ?`, string(state),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by state: %w", err)
	}
	return n, nil
}

// transition moves a mutation between states, guarding the source state so
// racing callers cannot double-apply a transition.
func (s *Store) transition(ctx context.Context, id int64, from, to intent.MutationState, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mutations SET state = ?, last_error = ? WHERE id = ? AND state = ?
	`, string(to), reason, id, string(from))
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	return requireAffected(res, id, fmt.Sprintf("transition %s -> %s", from, to))
}

func requireAffected(res sql.Result, id int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return &intent.SyncError{Code: intent.ErrCodeNotFound, Message: op + ": no matching mutation", MutationID: id}
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(sc scanner) (*intent.Mutation, error) {
	var (
		m          intent.Mutation
		kind       string
		payload    string
		createdAt  int64
		eligibleAt int64
		state      string
	)
	err := sc.Scan(
		&m.ID, &m.EntityKey, &kind, &payload, &m.IdempotencyKey,
		&createdAt, &m.AttemptCount, &eligibleAt, &state, &m.LastError,
	)
	if err != nil {
		return nil, err
	}
	m.Kind = intent.OperationKind(kind)
	m.Payload = []byte(payload)
	m.CreatedAt = fromMillis(createdAt)
	m.NextEligibleAt = fromMillis(eligibleAt)
	m.State = intent.MutationState(state)
	return &m, nil
}
