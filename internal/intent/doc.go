// Package intent provides the core domain types for the sync engine.
//
// This package contains type definitions only. All other internal packages
// import intent; intent imports nothing internal. This keeps it the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - A Mutation's idempotency key is assigned once at enqueue time and
//     reused verbatim across every retry, including after process restart.
//   - Mutation state transitions are owned by the durable store; no other
//     component constructs or mutates persisted state directly.
//   - All JSON tags use snake_case.
package intent
