package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/google/uuid"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
)

// KeyGenerator mints new idempotency keys.
// Implemented by UUIDv7Generator (production) and testutil.FixedKeys (tests).
type KeyGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 idempotency keys.
//
// UUIDv7 embeds a timestamp in the most significant bits, which keeps
// server-side dedupe tables roughly insert-ordered and makes keys easy to
// correlate with logs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Manager owns key assignment and the advisory dedupe cache.
//
// The durable record lives in the store; the ttlcache in front of it
// absorbs the double-tap window without a database round trip.
type Manager struct {
	store *store.Store
	gen   KeyGenerator
	cache *ttlcache.Cache // fingerprint -> key
	ttl   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithGenerator overrides the key generator (for testing).
func WithGenerator(gen KeyGenerator) Option {
	return func(m *Manager) { m.gen = gen }
}

// WithTTL sets the advisory record lifetime. Operation-dependent callers
// can still pass explicit TTLs to Record.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// DefaultTTL is the advisory record lifetime when none is configured.
// Long enough to cover a double-tap plus a slow first dispatch, short
// enough that the cache stays small.
const DefaultTTL = 15 * time.Minute

// NewManager creates a key manager backed by the given store.
func NewManager(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		gen:   UUIDv7Generator{},
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	c := ttlcache.NewCache()
	c.SetTTL(m.ttl)
	m.cache = c
	return m
}

// Close stops the cache's janitor goroutine and prunes expired advisory
// records so the next startup opens against a compact table.
func (m *Manager) Close() error {
	m.cache.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.store.PruneIdempotency(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("close: prune advisory records: %w", err)
	}
	return nil
}

// Fingerprint hashes one user intent into its request fingerprint:
// SHA-256 over the operation kind, entity key, canonicalized payload, and
// auth context. The fingerprint prevents a key from being reused across
// unrelated operations.
func Fingerprint(kind intent.OperationKind, entityKey string, payload json.RawMessage, authContext string) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	h := sha256.New()
	// Length-prefixed framing so field boundaries cannot collide.
	for _, part := range [][]byte{[]byte(kind), []byte(entityKey), canonical, []byte(authContext)} {
		fmt.Fprintf(h, "%d:", len(part))
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// KeyFor returns the idempotency key for a user intent.
//
// If an identical intent (same fingerprint) was seen inside the TTL window,
// the original key is returned with reused=true - the caller short-circuits
// the duplicate instead of enqueueing twice. Otherwise a fresh key is
// minted and recorded.
func (m *Manager) KeyFor(ctx context.Context, kind intent.OperationKind, entityKey string, payload json.RawMessage, authContext string) (key string, reused bool, err error) {
	fp, err := Fingerprint(kind, entityKey, payload, authContext)
	if err != nil {
		return "", false, err
	}

	if cached, ok := m.cache.Get(fp); ok {
		return cached.(string), true, nil
	}

	now := time.Now().UTC()
	if rec, err := m.store.FindIdempotencyByFingerprint(ctx, fp, now); err != nil {
		return "", false, err
	} else if rec != nil {
		m.cache.Set(fp, rec.Key)
		return rec.Key, true, nil
	}

	key = m.gen.Generate()
	rec := intent.IdempotencyRecord{
		Key:         key,
		Fingerprint: fp,
		ExpiresAt:   now.Add(m.ttl),
	}
	if err := m.store.PutIdempotency(ctx, rec); err != nil {
		return "", false, err
	}
	m.cache.Set(fp, key)
	return key, false, nil
}

// Record stores the server response against a key so a later duplicate of
// the same intent can be answered locally. A zero ttl uses the configured
// default.
//
// Returns a KEY_CONFLICT error if the key is already bound to a different
// fingerprint.
func (m *Manager) Record(ctx context.Context, key, fingerprint string, response json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	rec := intent.IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		Response:    response,
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}
	if err := m.store.PutIdempotency(ctx, rec); err != nil {
		return err
	}
	m.cache.Set(fingerprint, key)
	return nil
}

// RecordResponse stores a server response against an existing key, looking
// up the key's recorded fingerprint. If the advisory record has already
// expired the response is simply not cached; the cache is best-effort.
func (m *Manager) RecordResponse(ctx context.Context, key string, response json.RawMessage, ttl time.Duration) error {
	rec, err := m.store.GetIdempotency(ctx, key, time.Now().UTC())
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return m.Record(ctx, key, rec.Fingerprint, response, ttl)
}

// CachedResponse returns the stored server response for a key, if present
// and unexpired. Used to answer duplicate intents without a network trip.
func (m *Manager) CachedResponse(ctx context.Context, key string) (json.RawMessage, bool, error) {
	rec, err := m.store.GetIdempotency(ctx, key, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if rec == nil || len(rec.Response) == 0 {
		return nil, false, nil
	}
	return rec.Response, true, nil
}
