package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/turnstile/internal/model"
)

// Snapshot is a locally cached attendee.
// LocalUpdatedAt is device time and only drives expiry.
type Snapshot struct {
	Attendee       model.Attendee
	LocalUpdatedAt time.Time
}

// Stale reports whether the snapshot is older than maxAge at now.
func (s Snapshot) Stale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(s.LocalUpdatedAt) > maxAge
}

// Attendee returns the snapshot for (eventID, ticketCode), or ErrNotFound.
func (c *Cache) Attendee(ctx context.Context, eventID, ticketCode string) (Snapshot, error) {
	return readSnapshot(ctx, c.db, eventID, ticketCode)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func readSnapshot(ctx context.Context, db queryer, eventID, ticketCode string) (Snapshot, error) {
	var (
		data  string
		local int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT data, local_updated_at FROM attendees
		WHERE event_id = ? AND ticket_code = ?
	`, eventID, ticketCode).Scan(&data, &local)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot %s/%s: %w", eventID, ticketCode, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s/%s: %w", eventID, ticketCode, err)
	}
	var a model.Attendee
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s/%s: %w", eventID, ticketCode, err)
	}
	return Snapshot{Attendee: a, LocalUpdatedAt: fromNanos(local)}, nil
}

// putSnapshot replaces the row with a server snapshot.
func putSnapshot(ctx context.Context, db execer, a model.Attendee, now int64) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", a.TicketCode, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO attendees (event_id, ticket_code, data, server_updated_at, local_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, ticket_code) DO UPDATE SET
			data = excluded.data,
			server_updated_at = excluded.server_updated_at,
			local_updated_at = excluded.local_updated_at
	`, a.EventID, a.TicketCode, string(data), toNanos(a.UpdatedAt), now)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", a.TicketCode, err)
	}
	return nil
}

// applyLocal overwrites the snapshot with an optimistic local state.
func applyLocal(ctx context.Context, db execer, a model.Attendee, now int64) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", a.TicketCode, err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE attendees SET data = ?, local_updated_at = ?
		WHERE event_id = ? AND ticket_code = ?
	`, string(data), now, a.EventID, a.TicketCode)
	if err != nil {
		return fmt.Errorf("apply local state %s: %w", a.TicketCode, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("apply local state %s/%s: %w", a.EventID, a.TicketCode, ErrNotFound)
	}
	return nil
}

// CountAttendees returns the number of cached snapshots for eventID.
func (c *Cache) CountAttendees(ctx context.Context, eventID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendees WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// PurgeExpired deletes snapshots of any event not refreshed within maxAge,
// except tickets that still have queued scans.
func (c *Cache) PurgeExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := toNanos(c.clock().Add(-maxAge))
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM attendees
		WHERE local_updated_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM outbound_queue q
			WHERE q.event_id = attendees.event_id AND q.ticket_code = attendees.ticket_code
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired snapshots: %w", err)
	}
	return res.RowsAffected()
}
