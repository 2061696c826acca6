package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
)

// GetEntity returns the materialized entity for a key.
// Returns a NOT_FOUND error if no entity exists.
func (s *Store) GetEntity(ctx context.Context, entityKey string) (*intent.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_key, version, payload, sync_state, updated_at
		FROM entities WHERE entity_key = ?
	`, entityKey)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &intent.SyncError{Code: intent.ErrCodeNotFound, Message: "entity not found", EntityKey: entityKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// UpsertEntity writes the full materialized value for an entity key.
// Only the mutation-capture path and the reconciler call this.
func (s *Store) UpsertEntity(ctx context.Context, e intent.Entity) error {
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (entity_key, version, payload, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_key) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`,
		e.EntityKey,
		e.Version,
		string(e.Payload),
		string(e.SyncState),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// ApplyLocalWrite performs the optimistic local update at mutation capture:
// the new payload becomes visible immediately with sync_state
// pending_local_write and a bumped version. The UI never waits on the
// network path for this.
func (s *Store) ApplyLocalWrite(ctx context.Context, entityKey string, payload json.RawMessage) (*intent.Entity, error) {
	existing, err := s.GetEntity(ctx, entityKey)
	if err != nil && !intent.IsNotFound(err) {
		return nil, err
	}

	e := intent.Entity{
		EntityKey: entityKey,
		Version:   1,
		Payload:   payload,
		SyncState: intent.SyncStatePendingLocalWrite,
		UpdatedAt: time.Now().UTC(),
	}
	if existing != nil {
		e.Version = existing.Version + 1
	}

	if err := s.UpsertEntity(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntities returns all materialized entities, optionally filtered by
// sync state. Pass an empty state for no filter. Ordered by entity key for
// deterministic output.
func (s *Store) ListEntities(ctx context.Context, state intent.SyncState) ([]intent.Entity, error) {
	query := `
		SELECT entity_key, version, payload, sync_state, updated_at
		FROM entities`
	args := []any{}
	if state != "" {
		query += ` WHERE sync_state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY entity_key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []intent.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: iterate: %w", err)
	}
	if out == nil {
		out = []intent.Entity{}
	}
	return out, nil
}

func scanEntity(sc scanner) (*intent.Entity, error) {
	var (
		e         intent.Entity
		payload   string
		syncState string
		updatedAt int64
	)
	if err := sc.Scan(&e.EntityKey, &e.Version, &payload, &syncState, &updatedAt); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.SyncState = intent.SyncState(syncState)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}
