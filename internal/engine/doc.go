// Package engine implements the check-in consistency engine.
//
// Every scan runs the reserve-then-execute protocol:
//
//  1. Validate the request shape. Malformed scans never touch the ledger.
//  2. Gate on the event: unknown events and archived events are rejected.
//  3. Reserve (event_id, idempotency_key) as a pending ledger row under a
//     lease unique to this submission.
//  4. Owner path: take the per-ticket lock, run checkin.Decide against the
//     attendee read inside the store transaction, persist state and the
//     terminal ledger result atomically. An owner whose lease was reclaimed
//     in the meantime writes nothing and answers RETRY.
//  5. Non-owner path: poll the ledger row a bounded number of times. A
//     terminal row is answered from storage without re-executing. A row
//     still pending past the staleness threshold is reclaimed and the caller
//     is told to retry.
//
// CONCURRENCY:
//
// Different tickets proceed in parallel. The same ticket serialises twice:
// in-process through a keyed mutex with context-aware acquisition, and in
// the database through the store's transaction (SQLite writer lock or
// SELECT ... FOR UPDATE). A reservation owned by a caller that fails, times
// out or panics is released with a context detached from the caller's
// cancellation so the key can be retried.
//
// Accepted transitions publish an OccupancyChange to the configured
// Notifier. Delivery is best effort and never affects the scan result.
package engine
