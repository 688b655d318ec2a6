// Package store provides the SQLite-backed durable state of the check-in engine.
//
// The store holds four tables:
//   - events: lifecycle status and capacity
//   - attendees: per-ticket admission state, unique on (event_id, ticket_code)
//   - sessions: append-only entry/exit pairs, at most one open per attendee
//   - idempotency_ledger: one row per (event_id, idempotency_key)
//
// # Reservation
//
// ReserveKey inserts a pending ledger row with ON CONFLICT DO NOTHING and
// reports whether the row was newly created. Only the creator of a row ever
// writes its terminal result, so ledger rows have no update races.
//
// # Transitions
//
// Transition runs the caller's decision function inside one transaction that
// reads the attendee row, writes the next state, opens or closes the session
// and marks the ledger row terminal. Either all of it is visible or none.
// SQLite serialises writers; callers additionally hold a per-ticket lock so
// that two stations scanning one ticket never interleave.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All timestamps are stored as INTEGER unix nanoseconds in UTC so that
// "updated_at > since" comparisons are exact.
package store
