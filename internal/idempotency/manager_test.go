package idempotency

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/store"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/testutil"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestKeyFor_StableAcrossDoubleTap(t *testing.T) {
	m := newTestManager(t, WithGenerator(testutil.NewFixedKeys("k")))
	ctx := context.Background()
	payload := json.RawMessage(`{"title":"groceries"}`)

	key1, reused, err := m.KeyFor(ctx, intent.KindUpdate, "notes/1", payload, "user-a")
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, "k-0001", key1)

	// Identical intent inside the window reuses the original key.
	key2, reused, err := m.KeyFor(ctx, intent.KindUpdate, "notes/1", payload, "user-a")
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, key1, key2)
}

func TestKeyFor_PayloadNormalizationSharesKey(t *testing.T) {
	m := newTestManager(t, WithGenerator(testutil.NewFixedKeys("k")))
	ctx := context.Background()

	key1, _, err := m.KeyFor(ctx, intent.KindUpdate, "notes/1", json.RawMessage(`{"a":1,"b":2}`), "")
	require.NoError(t, err)
	key2, reused, err := m.KeyFor(ctx, intent.KindUpdate, "notes/1", json.RawMessage(`{ "b": 2, "a": 1 }`), "")
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, key1, key2)
}

func TestKeyFor_DistinctIntentsDistinctKeys(t *testing.T) {
	m := newTestManager(t, WithGenerator(testutil.NewFixedKeys("k")))
	ctx := context.Background()
	payload := json.RawMessage(`{"title":"x"}`)

	base, _, err := m.KeyFor(ctx, intent.KindUpdate, "notes/1", payload, "user-a")
	require.NoError(t, err)

	tests := []struct {
		name      string
		kind      intent.OperationKind
		entityKey string
		payload   json.RawMessage
		auth      string
	}{
		{"different kind", intent.KindDelete, "notes/1", payload, "user-a"},
		{"different entity", intent.KindUpdate, "notes/2", payload, "user-a"},
		{"different payload", intent.KindUpdate, "notes/1", json.RawMessage(`{"title":"y"}`), "user-a"},
		{"different principal", intent.KindUpdate, "notes/1", payload, "user-b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, reused, err := m.KeyFor(ctx, tt.kind, tt.entityKey, tt.payload, tt.auth)
			require.NoError(t, err)
			assert.False(t, reused)
			assert.NotEqual(t, base, key)
		})
	}
}

func TestKeyFor_ExpiredWindowMintsFresh(t *testing.T) {
	m := newTestManager(t,
		WithGenerator(testutil.NewFixedKeys("k")),
		WithTTL(time.Millisecond),
	)
	ctx := context.Background()
	payload := json.RawMessage(`{"title":"x"}`)

	key1, _, err := m.KeyFor(ctx, intent.KindUpdate, "notes/1", payload, "")
	require.NoError(t, err)

	// Let the advisory record expire (durable row and cache entry both).
	time.Sleep(250 * time.Millisecond)

	key2, reused, err := m.KeyFor(ctx, intent.KindUpdate, "notes/1", payload, "")
	require.NoError(t, err)
	assert.False(t, reused, "an expired window starts a new intent")
	assert.NotEqual(t, key1, key2)
}

func TestRecordResponse_AnswersDuplicateLocally(t *testing.T) {
	m := newTestManager(t, WithGenerator(testutil.NewFixedKeys("k")))
	ctx := context.Background()
	payload := json.RawMessage(`{"title":"x"}`)

	key, _, err := m.KeyFor(ctx, intent.KindCreate, "notes/1", payload, "")
	require.NoError(t, err)

	require.NoError(t, m.RecordResponse(ctx, key, json.RawMessage(`{"version":7}`), 0))

	resp, ok, err := m.CachedResponse(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"version":7}`, string(resp))
}

func TestRecordResponse_UnknownKeyIsNoop(t *testing.T) {
	m := newTestManager(t)

	err := m.RecordResponse(context.Background(), "never-minted", json.RawMessage(`{}`), 0)
	assert.NoError(t, err)
}

func TestFingerprint_FramingPreventsBoundaryCollisions(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not fingerprint identically.
	fp1, err := Fingerprint(intent.KindUpdate, "ab", json.RawMessage(`"c"`), "")
	require.NoError(t, err)
	fp2, err := Fingerprint(intent.KindUpdate, "a", json.RawMessage(`"bc"`), "")
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}
