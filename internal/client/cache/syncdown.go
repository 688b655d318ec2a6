package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/turnstile/internal/checkin"
	"github.com/roach88/turnstile/internal/model"
)

// Watermark returns the server_time of the last applied sync-down for
// eventID, or nil if the event was never synced.
func (c *Cache) Watermark(ctx context.Context, eventID string) (*time.Time, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		`SELECT server_time FROM sync_state WHERE event_id = ?`, eventID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermark %s: %w", eventID, err)
	}
	t := fromNanos(n)
	return &t, nil
}

// ResetWatermark forces the next sync-down of eventID to be full.
func (c *Cache) ResetWatermark(ctx context.Context, eventID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM sync_state WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("reset watermark %s: %w", eventID, err)
	}
	return nil
}

// RebaseFunc re-applies a still-pending scan on top of a fresh server
// snapshot. An error means the scan no longer validates.
type RebaseFunc func(current model.Attendee, item QueueItem) (model.Attendee, error)

// ApplyReport summarises a sync-down.
type ApplyReport struct {
	Replaced  int `json:"replaced"`
	Rebased   int `json:"rebased"`
	Conflicts int `json:"conflicts"`
}

// ApplySyncDown replaces local snapshots with the server's and records the
// response's server_time as the new watermark, in one transaction.
//
// A full response replaces every snapshot of the event. Pending queue items
// for the refreshed tickets are then re-applied in scanned_at order through
// rebase; items that fail are recorded as conflicts and stay queued.
func (c *Cache) ApplySyncDown(ctx context.Context, eventID string, resp model.SyncDownResponse, rebase RebaseFunc) (ApplyReport, error) {
	var report ApplyReport

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin sync down: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(c.clock())
	if resp.SyncType == model.SyncFull {
		if _, err := tx.ExecContext(ctx, `DELETE FROM attendees WHERE event_id = ?`, eventID); err != nil {
			return report, fmt.Errorf("clear snapshots %s: %w", eventID, err)
		}
	}

	refreshed := make(map[string]bool, len(resp.Attendees))
	for _, a := range resp.Attendees {
		if a.EventID != eventID {
			return report, fmt.Errorf("sync down for %s returned attendee of event %s", eventID, a.EventID)
		}
		if err := putSnapshot(ctx, tx, a, now); err != nil {
			return report, err
		}
		refreshed[a.TicketCode] = true
	}
	report.Replaced = len(resp.Attendees)

	if rebase != nil && len(refreshed) > 0 {
		if err := c.rebasePending(ctx, tx, eventID, refreshed, rebase, now, &report); err != nil {
			return report, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (event_id, server_time, synced_at) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			server_time = excluded.server_time,
			synced_at = excluded.synced_at
	`, eventID, toNanos(resp.ServerTime), now)
	if err != nil {
		return report, fmt.Errorf("write watermark %s: %w", eventID, err)
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit sync down: %w", err)
	}
	return report, nil
}

func (c *Cache) rebasePending(ctx context.Context, tx *sql.Tx, eventID string, refreshed map[string]bool, rebase RebaseFunc, now int64, report *ApplyReport) error {
	rows, err := tx.QueryContext(ctx, `SELECT `+queueColumns+`
		FROM outbound_queue WHERE event_id = ? AND sync_status = 'pending'
		ORDER BY scanned_at, seq`, eventID)
	if err != nil {
		return fmt.Errorf("query pending for rebase: %w", err)
	}
	var items []QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan pending for rebase: %w", err)
		}
		if refreshed[q.TicketCode] {
			items = append(items, q)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending for rebase: %w", err)
	}

	for _, q := range items {
		snap, err := readSnapshot(ctx, tx, eventID, q.TicketCode)
		if err != nil {
			return err
		}
		next, rerr := rebase(snap.Attendee, q)
		if rerr != nil {
			code, msg := conflictDetail(rerr)
			if err := insertConflict(ctx, tx, q.IdempotencyKey, SourceRebase, code, msg, now); err != nil {
				return err
			}
			report.Conflicts++
			continue
		}
		if err := applyLocal(ctx, tx, next, now); err != nil {
			return err
		}
		report.Rebased++
	}
	return nil
}

func conflictDetail(err error) (string, string) {
	var ce *checkin.Error
	if errors.As(err, &ce) {
		return string(ce.Code), ce.Message
	}
	return string(checkin.CodeInternal), err.Error()
}
