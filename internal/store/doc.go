// Package store provides SQLite-backed durable storage for the truth layer.
//
// The store holds two kinds of tables:
//   - Append-only history: blobs, sources, observations, relationship
//     observations, raw fragments. Rows are inserted with
//     INSERT ... ON CONFLICT DO NOTHING on content-addressed ids and are
//     never updated or deleted.
//   - Projections: entity snapshots, relationship snapshots and timeline
//     events. They are caches derived from history and are replaced on
//     every recompute.
//
// Schema definitions, interpretation runs and idempotency records complete
// the picture. A run's terminal status is the only in-place update.
//
// # Transactions
//
// Provider.Update runs a function inside one SQL transaction. Everything a
// request writes (source, observations, snapshots, timeline, idempotency
// record) commits together or not at all. The pool has a single
// connection, so code inside Update must read through the Writer it was
// given, never through the Store.
//
// # Deterministic Query Results
//
// Every list query has a total order. Observations order by
// (observed_at, seq, id); other lists use their natural key followed by
// id COLLATE BINARY.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
