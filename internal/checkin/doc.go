// Package checkin implements the per-attendee admission state machine.
//
// States are OUTSIDE (initial) and INSIDE. Decide computes the next attendee
// state for a scan intent, or rejects it with a typed *Error. Decide has no
// I/O: the server runs it under a per-ticket lock against the stored row, and
// the offline client runs the same function against its cached snapshot for
// instant operator feedback.
//
// Error codes double as the wire contract. Their Kind tells callers whether a
// failure is terminal (stored in the idempotency ledger), retryable, or a
// validation problem that never consumed a reservation.
package checkin
