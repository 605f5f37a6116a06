/*
Package store is the single durable state store for the Foundry control plane.

It wraps one SQLite database file in WAL mode (modernc.org/sqlite, no cgo)
behind a single-writer mutex: reads run concurrently against committed
snapshots, writes serialize. All cross-entity invariants are enforced inside
store transactions — assignment and completion for a package are serialized by
the transaction covering its queue row, and the completion-acceptance check
(reporter must match assignee) happens within that transaction.

# Schema management

The schema is created idempotently on open. Columns added after the initial
schema are listed in columnMigrations and applied only when missing, so an
older database upgrades in place; there are no destructive migrations.

# Entity groups

  - drones.go: drone registration, heartbeats, liveness transitions
  - queue.go: queue items, transactional scheduler verbs (assign, complete,
    reclaim, steal, block/unblock)
  - sessions.go: session lifecycle and totals rollup
  - history.go: build history, per-drone stats, duration estimates,
    metrics samples, runtime config KV
  - health.go: failure counters, grounding, upload failures, escalation state
  - events.go: event and protocol-log batch persistence and queries
  - payloads.go: payload versions, per-drone deployment state, deploy log
  - releases.go: release lifecycle with the single-active invariant
  - droneconfig.go: admin-owned per-drone SSH and policy settings
  - explorer.go: the admin-only read-only SQL explorer (SELECT-only, single
    statement, row cap)

# Error conventions

Missing rows return ErrNotFound wrapped with context. Commit failures are
retried once, then surfaced.
*/
package store
