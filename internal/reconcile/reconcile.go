// Package reconcile merges authoritative server responses into
// materialized local entities.
//
// When a server acknowledgment arrives for a mutation, the local entity
// may have moved on: the user kept editing while the write was in flight.
// The resolver applies a per-entity-class policy to decide what the
// materialized value becomes. It never silently drops a conflicting write
// without marking the entity conflicted; presenting the conflict is the UI
// collaborator's job, not this package's.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/wire"
)

// Policy names a conflict resolution strategy for an entity class.
type Policy string

const (
	// PolicyLastWriteWins accepts the server value and lets any still-queued
	// local edits overwrite it when their turn comes. For low-stakes fields.
	PolicyLastWriteWins Policy = "last-write-wins"

	// PolicyFieldMerge reconciles non-overlapping top-level field changes
	// and flags overlapping ones as conflicted.
	PolicyFieldMerge Policy = "field-merge"

	// PolicyServerWins discards the pending local edit entirely and
	// surfaces it as rejected. For inventory/seat/money operations where
	// the server's view must win outright.
	PolicyServerWins Policy = "server-wins"
)

// ValidPolicies defines the allowed policy values.
var ValidPolicies = map[Policy]bool{
	PolicyLastWriteWins: true,
	PolicyFieldMerge:    true,
	PolicyServerWins:    true,
}

// Resolver selects and applies per-entity-class policies.
//
// The entity class is the prefix of the entity key before the first '/'
// ("notes/42" belongs to class "notes"). Keys without a separator form
// their own class.
type Resolver struct {
	policies      map[string]Policy
	defaultPolicy Policy
}

// NewResolver creates a resolver. policies maps entity class to policy;
// classes absent from the map use defaultPolicy. An empty defaultPolicy
// falls back to last-write-wins.
func NewResolver(policies map[string]Policy, defaultPolicy Policy) (*Resolver, error) {
	if defaultPolicy == "" {
		defaultPolicy = PolicyLastWriteWins
	}
	if !ValidPolicies[defaultPolicy] {
		return nil, fmt.Errorf("invalid default policy %q", defaultPolicy)
	}
	for class, p := range policies {
		if !ValidPolicies[p] {
			return nil, fmt.Errorf("invalid policy %q for class %q", p, class)
		}
	}
	return &Resolver{policies: policies, defaultPolicy: defaultPolicy}, nil
}

// PolicyFor returns the policy governing an entity key.
func (r *Resolver) PolicyFor(entityKey string) Policy {
	class := entityKey
	if i := strings.IndexByte(entityKey, '/'); i >= 0 {
		class = entityKey[:i]
	}
	if p, ok := r.policies[class]; ok {
		return p
	}
	return r.defaultPolicy
}

// Resolution is the outcome of applying a server ack to local state.
type Resolution struct {
	// Entity is the new materialized value to persist.
	Entity intent.Entity

	// Conflicted reports that a local write was overridden or overlapped;
	// the entity's sync state is set accordingly and the UI must present it.
	Conflicted bool

	// DiscardPending instructs the engine to surface still-queued local
	// mutations for this entity as rejected (server-wins only). They are
	// never deleted outright - removal requires operator dismissal.
	DiscardPending bool

	// ConflictedFields lists the overlapping top-level fields under
	// field-merge, for diagnostics.
	ConflictedFields []string
}

// Apply merges a server acknowledgment into the current entity.
//
// current may be nil (first sync of a new entity). localDirty reports
// whether a newer local write is still queued behind the acknowledged
// mutation; pendingPayload is that write's payload (nil when !localDirty).
func (r *Resolver) Apply(current *intent.Entity, ack *wire.Ack, localDirty bool, pendingPayload json.RawMessage) (Resolution, error) {
	serverPayload := ack.Entity
	if len(serverPayload) == 0 && current != nil {
		// Ack without an entity document: the server accepted our value.
		serverPayload = current.Payload
	}

	version := int64(ack.Version)
	if version == 0 && current != nil {
		version = current.Version
	}

	base := intent.Entity{
		EntityKey: ack.EntityKey,
		Version:   version,
		Payload:   serverPayload,
		SyncState: intent.SyncStateSynced,
		UpdatedAt: time.Now().UTC(),
	}

	// Rejected outright: the server's view wins regardless of policy.
	if ack.Status.IsRejected() {
		base.SyncState = intent.SyncStateConflicted
		return Resolution{Entity: base, Conflicted: true, DiscardPending: localDirty}, nil
	}

	if !localDirty {
		return Resolution{Entity: base}, nil
	}

	switch r.PolicyFor(ack.EntityKey) {
	case PolicyLastWriteWins:
		// Server value lands now; the queued local edit stays queued and
		// will overwrite it in FIFO turn.
		base.SyncState = intent.SyncStatePendingLocalWrite
		return Resolution{Entity: base}, nil

	case PolicyServerWins:
		base.SyncState = intent.SyncStateConflicted
		return Resolution{Entity: base, Conflicted: true, DiscardPending: true}, nil

	case PolicyFieldMerge:
		return r.fieldMerge(base, serverPayload, pendingPayload)

	default:
		return Resolution{}, fmt.Errorf("unreachable: no policy for %q", ack.EntityKey)
	}
}

// fieldMerge merges the pending local edit onto the server document at
// top-level field granularity. A field changed in both places with
// different values is a conflict; the server value is kept for it and the
// entity is flagged conflicted.
func (r *Resolver) fieldMerge(base intent.Entity, serverPayload, pendingPayload json.RawMessage) (Resolution, error) {
	var server map[string]json.RawMessage
	if err := json.Unmarshal(serverPayload, &server); err != nil {
		return Resolution{}, fmt.Errorf("field merge: server payload: %w", err)
	}
	var pending map[string]json.RawMessage
	if err := json.Unmarshal(pendingPayload, &pending); err != nil {
		return Resolution{}, fmt.Errorf("field merge: pending payload: %w", err)
	}

	merged := make(map[string]json.RawMessage, len(server)+len(pending))
	for k, v := range server {
		merged[k] = v
	}

	var conflicted []string
	for k, v := range pending {
		sv, inServer := server[k]
		switch {
		case !inServer:
			merged[k] = v
		case jsonEqual(sv, v):
			// Both sides agree; nothing to do.
		default:
			// Overlapping change: keep the server value, flag the field.
			conflicted = append(conflicted, k)
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return Resolution{}, fmt.Errorf("field merge: %w", err)
	}
	base.Payload = payload

	if len(conflicted) > 0 {
		sort.Strings(conflicted)
		base.SyncState = intent.SyncStateConflicted
		return Resolution{Entity: base, Conflicted: true, ConflictedFields: conflicted}, nil
	}
	// The merged second edit is still queued for dispatch.
	base.SyncState = intent.SyncStatePendingLocalWrite
	return Resolution{Entity: base}, nil
}

// jsonEqual compares two raw JSON values structurally, so formatting
// differences do not read as conflicts.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return deepEqualJSON(av, bv)
}

func deepEqualJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqualJSON(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
