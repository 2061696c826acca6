package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
)

// PutIdempotency persists an idempotency record.
//
// Writing the same key with the same fingerprint refreshes the response and
// expiry. Writing the same key with a DIFFERENT fingerprint returns a
// KEY_CONFLICT error: that signals a key-reuse bug and must never be
// silently resolved.
func (s *Store) PutIdempotency(ctx context.Context, rec intent.IdempotencyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put idempotency: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT fingerprint FROM idempotency WHERE key = ?`, rec.Key,
	).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New key.
	case err != nil:
		return fmt.Errorf("put idempotency: select: %w", err)
	case existing != rec.Fingerprint:
		return &intent.SyncError{
			Code:    intent.ErrCodeKeyConflict,
			Message: fmt.Sprintf("key %s already bound to a different fingerprint", rec.Key),
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency (key, fingerprint, response, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			response = excluded.response,
			expires_at = excluded.expires_at
	`,
		rec.Key,
		rec.Fingerprint,
		string(rec.Response),
		toMillis(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put idempotency: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put idempotency: commit: %w", err)
	}
	return nil
}

// GetIdempotency returns the record for a key if it exists and has not
// expired at now. Expired or missing records return (nil, nil).
func (s *Store) GetIdempotency(ctx context.Context, key string, now time.Time) (*intent.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, fingerprint, response, expires_at
		FROM idempotency
		WHERE key = ? AND expires_at > ?
	`, key, toMillis(now))

	var (
		rec       intent.IdempotencyRecord
		response  string
		expiresAt int64
	)
	err := row.Scan(&rec.Key, &rec.Fingerprint, &response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	rec.Response = []byte(response)
	rec.ExpiresAt = fromMillis(expiresAt)
	return &rec, nil
}

// FindIdempotencyByFingerprint returns the unexpired record matching a
// request fingerprint, if any. This is the double-tap short circuit: the
// same intent fingerprint inside the TTL window reuses the original key.
func (s *Store) FindIdempotencyByFingerprint(ctx context.Context, fingerprint string, now time.Time) (*intent.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, fingerprint, response, expires_at
		FROM idempotency
		WHERE fingerprint = ? AND expires_at > ?
		ORDER BY expires_at DESC
		LIMIT 1
	`, fingerprint, toMillis(now))

	var (
		rec       intent.IdempotencyRecord
		response  string
		expiresAt int64
	)
	err := row.Scan(&rec.Key, &rec.Fingerprint, &response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find idempotency: %w", err)
	}
	rec.Response = []byte(response)
	rec.ExpiresAt = fromMillis(expiresAt)
	return &rec, nil
}

// PruneIdempotency deletes expired records. Run at startup and
// opportunistically by the engine loop. Returns the number pruned.
func (s *Store) PruneIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at <= ?`, toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune idempotency: rows affected: %w", err)
	}
	return n, nil
}
