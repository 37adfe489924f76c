// Package engine implements the truth layer's request processing.
//
// The engine turns caller requests into immutable observations and keeps
// the derived state (entity snapshots, relationship snapshots, timeline
// events) equal to a pure reduction of those observations.
//
// ARCHITECTURE:
//
// Request Flow:
// 1. Idempotency controller: a recorded result for (caller, key) is
// returned unchanged; otherwise the (caller, key) lock is taken
// 2. Schemas are captured (inferred for unknown entity types) before any
// lock or transaction
// 3. Interpretation, when requested, runs outside any transaction with
// the source and a running run already committed
// 4. Entity locks are taken in sorted id order
// 5. One transaction appends observations, recomputes snapshots and
// timelines, and records the request's result
//
// Nothing is queued or retried in the background. A request returns once
// its transaction has committed or rolled back.
//
// CRITICAL PATTERNS:
//
// Append-Only History
// Sources, observations, relationship observations, runs and raw
// fragments are inserted, never updated (a run records its terminal state
// once). Corrections and relationship deletions are new observations.
//
// Deterministic Reduction
// Observations are reduced in (observed_at, seq, id) order. Snapshot
// hashes cover only observation content, so Replay can recompute every
// snapshot and compare hashes.
//
// Lock Ordering
// The idempotency lock is always taken before entity locks, and entity
// locks in sorted order. No lock is acquired inside a store transaction.
package engine
