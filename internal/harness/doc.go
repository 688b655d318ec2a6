// Package harness runs check-in conformance scenarios.
//
// A scenario seeds one event and its attendees into a fresh in-memory store,
// drives the real engine through a list of steps on a fake clock, and then
// checks the recorded trace and the final store state.
//
// # Scenario Format
//
//	name: single_entry_ticket
//	description: "One check-in allowed, no reentry"
//	event: { id: evt-1, capacity: 100 }
//	policy:
//	  allowed_payment_statuses: [completed]
//	attendees:
//	  - { ticket_code: T1, payment_status: completed, allowed_checkins: 1 }
//	steps:
//	  - key: k1
//	    ticket: T1
//	    direction: in
//	    entrance: Main
//	    expect: { status: success, remaining: 0 }
//	  - advance: 5m
//	    ticket: T1
//	    direction: out
//	    expect: { status: success }
//	  - import:
//	      - { ticket_code: T1, payment_status: refunded, allowed_checkins: 1 }
//	  - event_status: archived
//	assertions:
//	  - type: trace_count
//	    match: { status: success }
//	    count: 2
//	  - type: final_state
//	    table: attendees
//	    where: { ticket_code: T1 }
//	    expect: { is_currently_inside: false }
//
// Steps without a key get "step-1", "step-2" and so on. The policy block has
// the same layout and validation as a policy file on disk.
//
// # Assertion Types
//
//   - trace_contains: some trace event matches all fields in match
//   - trace_order: scans with the listed keys appear in that order
//   - trace_count: exactly count trace events match
//   - final_state: one row of events, attendees, sessions or
//     idempotency_ledger has the expected column values
//   - sessions: a ticket has count sessions, open of them still open
//   - occupancy: inside and per-entrance counts
//
// # Golden Traces
//
// RunWithGolden compares the trace with testdata/golden/<name>.golden.
// Attendee ids default to "att-<ticket>" and the clock only moves on
// advance, so traces are identical across runs.
package harness
