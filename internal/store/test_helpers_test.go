package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/turnstile/internal/model"
)

var testEpoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// stepClock returns strictly increasing times one millisecond apart.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &stepClock{now: testEpoch}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedEvent writes an active event with the given attendees.
func seedEvent(t *testing.T, s *Store, eventID string, attendees ...model.Attendee) {
	t.Helper()
	ctx := context.Background()
	if err := s.PutEvent(ctx, model.Event{ID: eventID, Name: "Test Event", Capacity: 100}); err != nil {
		t.Fatalf("PutEvent failed: %v", err)
	}
	for i := range attendees {
		attendees[i].EventID = eventID
	}
	if _, err := s.UpsertAttendees(ctx, attendees); err != nil {
		t.Fatalf("UpsertAttendees failed: %v", err)
	}
}

// createTestAttendee creates a paid attendee with the given allowance.
func createTestAttendee(code string, allowed int) model.Attendee {
	return model.Attendee{
		TicketCode:      code,
		TicketType:      "general",
		Name:            "Holder " + code,
		PaymentStatus:   "completed",
		AllowedCheckins: allowed,
	}
}

// pendingEntry builds a ledger entry for a scan of code in direction dir.
func pendingEntry(eventID, key, code string, dir model.Direction) model.LedgerEntry {
	return model.LedgerEntry{
		EventID:        eventID,
		IdempotencyKey: key,
		Result:         model.LedgerPending,
		Metadata: model.LedgerMetadata{
			Direction:   dir,
			TicketCode:  code,
			Lease:       "lease-" + key,
			SubmittedAt: testEpoch,
		},
	}
}
