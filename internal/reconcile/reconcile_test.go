package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/wire"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(map[string]Policy{
		"notes":   PolicyLastWriteWins,
		"docs":    PolicyFieldMerge,
		"tickets": PolicyServerWins,
	}, PolicyLastWriteWins)
	require.NoError(t, err)
	return r
}

func TestNewResolver_RejectsUnknownPolicy(t *testing.T) {
	_, err := NewResolver(map[string]Policy{"x": Policy("majority-vote")}, "")
	assert.Error(t, err)

	_, err = NewResolver(nil, Policy("nope"))
	assert.Error(t, err)
}

func TestPolicyFor_ClassPrefix(t *testing.T) {
	r := newTestResolver(t)

	assert.Equal(t, PolicyFieldMerge, r.PolicyFor("docs/57"))
	assert.Equal(t, PolicyServerWins, r.PolicyFor("tickets/9"))
	assert.Equal(t, PolicyLastWriteWins, r.PolicyFor("unmapped/1"))
	assert.Equal(t, PolicyLastWriteWins, r.PolicyFor("bare-key"))
}

func TestApply_CleanAckSyncs(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		&intent.Entity{EntityKey: "notes/1", Version: 1, Payload: json.RawMessage(`{"title":"old"}`)},
		&wire.Ack{EntityKey: "notes/1", Version: 2, Status: wire.StatusApplied, Entity: json.RawMessage(`{"title":"new"}`)},
		false, nil,
	)
	require.NoError(t, err)
	assert.False(t, res.Conflicted)
	assert.False(t, res.DiscardPending)
	assert.Equal(t, intent.SyncStateSynced, res.Entity.SyncState)
	assert.EqualValues(t, 2, res.Entity.Version)
	assert.JSONEq(t, `{"title":"new"}`, string(res.Entity.Payload))
}

func TestApply_AckWithoutEntityKeepsLocalPayload(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		&intent.Entity{EntityKey: "notes/1", Version: 1, Payload: json.RawMessage(`{"title":"mine"}`)},
		&wire.Ack{EntityKey: "notes/1", Version: 2, Status: wire.StatusApplied},
		false, nil,
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"mine"}`, string(res.Entity.Payload))
}

func TestApply_FirstSyncOfNewEntity(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		nil,
		&wire.Ack{EntityKey: "notes/1", Version: 1, Status: wire.StatusApplied, Entity: json.RawMessage(`{"title":"a"}`)},
		false, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, intent.SyncStateSynced, res.Entity.SyncState)
	assert.EqualValues(t, 1, res.Entity.Version)
}

func TestApply_LastWriteWinsKeepsPendingQueued(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		&intent.Entity{EntityKey: "notes/1", Version: 1, Payload: json.RawMessage(`{"title":"local"}`)},
		&wire.Ack{EntityKey: "notes/1", Version: 2, Status: wire.StatusApplied, Entity: json.RawMessage(`{"title":"server"}`)},
		true, json.RawMessage(`{"title":"newer-local"}`),
	)
	require.NoError(t, err)
	assert.False(t, res.Conflicted)
	assert.False(t, res.DiscardPending, "queued edit overwrites in FIFO turn, never discarded")
	assert.Equal(t, intent.SyncStatePendingLocalWrite, res.Entity.SyncState)
	assert.JSONEq(t, `{"title":"server"}`, string(res.Entity.Payload))
}

func TestApply_ServerWinsDiscardsPending(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		&intent.Entity{EntityKey: "tickets/9", Version: 3, Payload: json.RawMessage(`{"seats":2}`)},
		&wire.Ack{EntityKey: "tickets/9", Version: 4, Status: wire.StatusApplied, Entity: json.RawMessage(`{"seats":0}`)},
		true, json.RawMessage(`{"seats":5}`),
	)
	require.NoError(t, err)
	assert.True(t, res.Conflicted)
	assert.True(t, res.DiscardPending)
	assert.Equal(t, intent.SyncStateConflicted, res.Entity.SyncState)
	assert.JSONEq(t, `{"seats":0}`, string(res.Entity.Payload))
}

func TestApply_FieldMergeNonOverlapping(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		&intent.Entity{EntityKey: "docs/5", Version: 1},
		&wire.Ack{EntityKey: "docs/5", Version: 2, Status: wire.StatusApplied, Entity: json.RawMessage(`{"title":"server","owner":"bo"}`)},
		true, json.RawMessage(`{"body":"local draft","owner":"bo"}`),
	)
	require.NoError(t, err)
	assert.False(t, res.Conflicted)
	assert.Empty(t, res.ConflictedFields)
	assert.Equal(t, intent.SyncStatePendingLocalWrite, res.Entity.SyncState)
	assert.JSONEq(t, `{"title":"server","owner":"bo","body":"local draft"}`, string(res.Entity.Payload))
}

func TestApply_FieldMergeOverlapKeepsServerValue(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		&intent.Entity{EntityKey: "docs/5", Version: 1},
		&wire.Ack{EntityKey: "docs/5", Version: 2, Status: wire.StatusApplied, Entity: json.RawMessage(`{"title":"server","body":"server body"}`)},
		true, json.RawMessage(`{"title":"local","tags":["a"],"body":"local body"}`),
	)
	require.NoError(t, err)
	assert.True(t, res.Conflicted)
	assert.False(t, res.DiscardPending)
	assert.Equal(t, []string{"body", "title"}, res.ConflictedFields)
	assert.Equal(t, intent.SyncStateConflicted, res.Entity.SyncState)
	// Server values win on the overlapping fields; the disjoint field merges.
	assert.JSONEq(t, `{"title":"server","body":"server body","tags":["a"]}`, string(res.Entity.Payload))
}

func TestApply_FieldMergeStructuralEquality(t *testing.T) {
	r := newTestResolver(t)

	// Same value, different formatting: not a conflict.
	res, err := r.Apply(
		&intent.Entity{EntityKey: "docs/5", Version: 1},
		&wire.Ack{EntityKey: "docs/5", Version: 2, Status: wire.StatusApplied, Entity: json.RawMessage(`{"meta":{"a":1,"b":2}}`)},
		true, json.RawMessage(`{"meta":{"b": 2, "a": 1}}`),
	)
	require.NoError(t, err)
	assert.False(t, res.Conflicted)
}

func TestApply_RejectedWinsRegardlessOfPolicy(t *testing.T) {
	r := newTestResolver(t)

	res, err := r.Apply(
		&intent.Entity{EntityKey: "notes/1", Version: 1, Payload: json.RawMessage(`{"title":"local"}`)},
		&wire.Ack{EntityKey: "notes/1", Version: 2, Status: wire.StatusRejected, Entity: json.RawMessage(`{"title":"authoritative"}`)},
		true, json.RawMessage(`{"title":"pending"}`),
	)
	require.NoError(t, err)
	assert.True(t, res.Conflicted)
	assert.True(t, res.DiscardPending)
	assert.Equal(t, intent.SyncStateConflicted, res.Entity.SyncState)
	assert.JSONEq(t, `{"title":"authoritative"}`, string(res.Entity.Payload))
}

func TestApply_Deterministic(t *testing.T) {
	r := newTestResolver(t)

	current := &intent.Entity{EntityKey: "docs/5", Version: 1}
	ack := &wire.Ack{EntityKey: "docs/5", Version: 2, Status: wire.StatusApplied,
		Entity: json.RawMessage(`{"x":1,"y":2,"z":3}`)}
	pending := json.RawMessage(`{"x":9,"y":8,"w":7}`)

	first, err := r.Apply(current, ack, true, pending)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Apply(current, ack, true, pending)
		require.NoError(t, err)
		assert.Equal(t, first.ConflictedFields, again.ConflictedFields)
		assert.JSONEq(t, string(first.Entity.Payload), string(again.Entity.Payload))
	}
}
