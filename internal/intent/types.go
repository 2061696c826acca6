package intent

import (
	"encoding/json"
	"time"
)

// MutationState tracks a mutation through its delivery lifecycle.
//
// State machine:
//
//	[queued] ---(dispatcher picks up)---> [inflight]
//	[inflight] ---(server ack)---> [acked] (removed from queue)
//	[inflight] ---(retryable failure)---> [queued] (next_eligible_at updated)
//	[inflight] ---(terminal failure / budget spent)---> [failed_terminal]
//	[inflight] ---(crash, unknown outcome)---> [queued] (same idempotency key)
//	[failed_terminal] ---(operator dismissal)---> removed
type MutationState string

const (
	StateQueued         MutationState = "queued"
	StateInflight       MutationState = "inflight"
	StateAcked          MutationState = "acked"
	StateFailedTerminal MutationState = "failed_terminal"
)

// ValidMutationStates defines the persisted state values.
var ValidMutationStates = map[MutationState]bool{
	StateQueued:         true,
	StateInflight:       true,
	StateAcked:          true,
	StateFailedTerminal: true,
}

// OperationKind names the class of user intent a mutation carries.
// The kind selects the retry budget and idempotency record TTL.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// Mutation is a durably captured user intent awaiting server acknowledgment.
//
// The ID is the store's monotonic rowid. EntityKey groups mutations that
// must be delivered in FIFO submission order. The idempotency key is fixed
// for the mutation's entire lifetime.
type Mutation struct {
	ID             int64           `json:"id"`
	EntityKey      string          `json:"entity_key"`
	Kind           OperationKind   `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	AttemptCount   int             `json:"attempt_count"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	State          MutationState   `json:"state"`
	LastError      string          `json:"last_error,omitempty"`
}

// SyncState tracks how a materialized entity relates to server truth.
type SyncState string

const (
	SyncStateSynced            SyncState = "synced"
	SyncStatePendingLocalWrite SyncState = "pending_local_write"
	SyncStateConflicted        SyncState = "conflicted"
)

// Entity is the UI-visible materialized value for an entity key.
//
// Entities are mutated in exactly two places: the optimistic local write at
// mutation capture, and the reconciler when a server acknowledgment arrives.
// The UI layer only ever reads entities, never the network path.
type Entity struct {
	EntityKey string          `json:"entity_key"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	SyncState SyncState       `json:"sync_state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IdempotencyRecord is the client-side advisory dedupe cache entry.
// The authoritative copy lives server-side; this one short-circuits
// double-taps that would otherwise enqueue twice.
type IdempotencyRecord struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}
