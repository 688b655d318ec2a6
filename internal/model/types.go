package model

import "time"

// Unlimited is the allowed_checkins sentinel for tickets without an entry cap.
// Attendees with Unlimited allowance never have checkins_remaining decremented.
const Unlimited = -1

// Direction is the intent of a scan.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventActive   EventStatus = "active"
	EventSyncing  EventStatus = "syncing"
	EventArchived EventStatus = "archived"
)

// Event owns all attendees. Archived events reject new scans.
type Event struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	Status    EventStatus `json:"status" yaml:"status"`
	Capacity  int         `json:"capacity" yaml:"capacity"`
	CreatedAt time.Time   `json:"created_at" yaml:"-"`
}

// Attendee is the per-ticket admission record.
//
// Unique key is (EventID, TicketCode). CheckinsRemaining is never negative.
// LastCheckedInDate is the calendar date (YYYY-MM-DD, event time zone) of the
// most recent accepted entry and drives the period counter resets.
type Attendee struct {
	ID                string     `json:"id" yaml:"id"`
	EventID           string     `json:"event_id" yaml:"event_id"`
	TicketCode        string     `json:"ticket_code" yaml:"ticket_code"`
	TicketType        string     `json:"ticket_type" yaml:"ticket_type"`
	Name              string     `json:"name" yaml:"name"`
	Email             string     `json:"email,omitempty" yaml:"email"`
	PaymentStatus     string     `json:"payment_status" yaml:"payment_status"`
	AllowedCheckins   int        `json:"allowed_checkins" yaml:"allowed_checkins"`
	CheckinsRemaining int        `json:"checkins_remaining" yaml:"checkins_remaining"`
	IsCurrentlyInside bool       `json:"is_currently_inside" yaml:"is_currently_inside"`
	CheckedInAt       *time.Time `json:"checked_in_at,omitempty" yaml:"-"`
	CheckedOutAt      *time.Time `json:"checked_out_at,omitempty" yaml:"-"`
	LastCheckedInDate string     `json:"last_checked_in_date,omitempty" yaml:"-"`
	DailyScanCount    int        `json:"daily_scan_count" yaml:"-"`
	WeeklyScanCount   int        `json:"weekly_scan_count" yaml:"-"`
	MonthlyScanCount  int        `json:"monthly_scan_count" yaml:"-"`
	LastEntrance      string     `json:"last_entrance,omitempty" yaml:"-"`
	UpdatedAt         time.Time  `json:"updated_at" yaml:"-"`
}

// Unlimited reports whether the attendee has no entry cap.
func (a Attendee) Unlimited() bool {
	return a.AllowedCheckins == Unlimited
}

// Session is one entry/exit pair. At most one session per attendee has a nil
// ExitTime; that open session is the authoritative "currently inside" signal.
type Session struct {
	ID           string     `json:"id"`
	AttendeeID   string     `json:"attendee_id"`
	EventID      string     `json:"event_id"`
	EntranceName string     `json:"entrance_name"`
	EntryTime    time.Time  `json:"entry_time"`
	ExitTime     *time.Time `json:"exit_time,omitempty"`
}

// Open reports whether the session has not been closed by a check-out.
func (s Session) Open() bool {
	return s.ExitTime == nil
}

// Occupancy is a derived, recomputable count of attendees currently inside.
// It is never a source of truth.
type Occupancy struct {
	EventID    string         `json:"event_id"`
	Inside     int            `json:"inside"`
	Capacity   int            `json:"capacity"`
	ByEntrance map[string]int `json:"by_entrance"`
	ComputedAt time.Time      `json:"computed_at"`
}

// OccupancyChange is published after every accepted transition.
// Observers must treat it as a hint; delivery is best effort.
type OccupancyChange struct {
	EventID    string    `json:"event_id"`
	TicketCode string    `json:"ticket_code"`
	Direction  Direction `json:"direction"`
	Entrance   string    `json:"entrance,omitempty"`
	At         time.Time `json:"at"`
}
