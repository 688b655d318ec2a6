package model

import "time"

// LedgerResult is the state of an idempotency ledger row.
type LedgerResult string

const (
	// LedgerPending marks a reservation: a worker owns the key and is executing it.
	// Pending rows are leases and become reclaimable once stale.
	LedgerPending LedgerResult = "pending"
	// LedgerSuccess is the terminal result of an accepted transition.
	LedgerSuccess LedgerResult = "success"
	// LedgerError is the terminal result of a domain rejection.
	LedgerError LedgerResult = "error"
)

// Terminal reports whether the row can no longer change.
func (r LedgerResult) Terminal() bool {
	return r == LedgerSuccess || r == LedgerError
}

// LedgerMetadata is stored alongside a ledger row. It carries enough of the
// original outcome to answer a duplicate submission without re-executing.
// Lease identifies the submission that reserved the row; only that
// submission may complete or release it.
type LedgerMetadata struct {
	Direction         Direction  `json:"direction"`
	TicketCode        string     `json:"ticket_code"`
	Fingerprint       string     `json:"fingerprint"`
	Lease             string     `json:"lease,omitempty"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	AttendeeID        string     `json:"attendee_id,omitempty"`
	CheckinsRemaining *int       `json:"checkins_remaining,omitempty"`
	Code              string     `json:"code,omitempty"`
	Message           string     `json:"message,omitempty"`
}

// LedgerEntry is one row of the idempotency ledger, unique on
// (EventID, IdempotencyKey). Immutable once Result is terminal.
type LedgerEntry struct {
	EventID        string         `json:"event_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Result         LedgerResult   `json:"result"`
	Metadata       LedgerMetadata `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
