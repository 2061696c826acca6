// Package idempotency assigns and tracks the stable keys that make
// mutation replay side-effect-free.
//
// A key is minted exactly once per user intent, at enqueue time, and is
// persisted alongside the mutation so it survives process restarts. Every
// retry of that mutation carries the key verbatim; the server collapses
// duplicate attempts into one effective result.
//
// The request fingerprint binds a key to one specific intent: a hash over
// the operation kind, entity key, canonicalized payload, and auth context.
// Presenting an existing key with a different fingerprint is a KEY_CONFLICT
// bug, never silently resolved.
//
// An in-memory TTL cache in front of the durable record short-circuits
// near-simultaneous duplicate user actions (double-taps) before they reach
// the queue at all.
package idempotency
