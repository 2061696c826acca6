// Package store provides SQLite-backed durable storage for the sync engine.
//
// The store holds three tables:
//   - Mutations: the durable queue of pending user intents
//   - Entities: the compacted snapshot of materialized local state
//   - Idempotency: the advisory dedupe cache (key, fingerprint, response)
//
// # Critical Patterns
//
// Write-ahead discipline:
//   - Every mutation state transition is persisted before it is acted upon.
//   - A crash between "sent" and "ack received" resumes as inflight, which
//     RequeueInflight treats as unknown outcome: back to queued with the
//     SAME idempotency key. Correctness depends on server-side dedupe.
//
// FIFO per entity key:
//   - NextReady only returns the oldest queued mutation for an entity key,
//     and only when no sibling is inflight. Retries never reorder.
//
// Single writer:
//   - Connection pool limited to one open connection; all state transitions
//     flow through the owning engine loop.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - PRAGMA user_version tracks the local store's own schema version, so
//     the store can evolve without forcing a queue wipe.
package store
