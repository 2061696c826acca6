// Package engine runs the offline-first synchronization loop.
//
// The engine is the single writer of mutation state. It drains the durable
// queue, gates each dispatch through the circuit breaker and the global
// retry budget, hands the network call to a bounded worker pool, and
// applies every resulting state transition itself.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// All queue and entity mutations happen in the Run goroutine. Workers only
// perform the network call; they report outcomes back over a channel and
// never touch the store. This ensures:
//   - No two components race on a mutation's state
//   - FIFO per entity key survives retries (NextReady enforces it in SQL)
//   - Crash recovery reasons about exactly one writer's ordering
//
// Dispatch Flow:
// 1. NextReady returns the oldest eligible mutation whose entity is idle
// 2. Circuit breaker and global retry budget are consulted
// 3. markInflight persists BEFORE the network call (write-ahead)
// 4. A worker dispatches; the outcome returns to the loop
// 5. The loop acks, requeues with backoff, or surfaces a terminal failure
//
// Suspension points are confined to the network call and the backoff
// timer. Cancellation mid-flight returns the mutation to queued - never
// acked - which is safe only because the idempotency key is reused on
// redispatch.
package engine
