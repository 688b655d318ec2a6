package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/turnstile/internal/model"
)

// ErrDuplicateKey is returned when a scan is enqueued under a key that is
// already queued.
var ErrDuplicateKey = errors.New("idempotency key already queued")

// SyncStatus is the state of a queued scan.
type SyncStatus string

const (
	// StatusPending items are uploaded on the next sync.
	StatusPending SyncStatus = "pending"
	// StatusError items were rejected by the server and wait for an operator.
	StatusError SyncStatus = "error"
)

// QueueItem is one scan waiting for server acknowledgement.
type QueueItem struct {
	Seq            int64           `json:"seq"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventID        string          `json:"event_id"`
	TicketCode     string          `json:"ticket_code"`
	Direction      model.Direction `json:"direction"`
	ScannedAt      time.Time       `json:"scanned_at"`
	EntranceName   string          `json:"entrance_name,omitempty"`
	OperatorName   string          `json:"operator_name,omitempty"`
	Status         SyncStatus      `json:"sync_status"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Request converts the item to its wire form.
func (q QueueItem) Request() model.ScanRequest {
	return model.ScanRequest{
		IdempotencyKey: q.IdempotencyKey,
		TicketCode:     q.TicketCode,
		Direction:      q.Direction,
		ScannedAt:      q.ScannedAt,
		EntranceName:   q.EntranceName,
		OperatorName:   q.OperatorName,
	}
}

// ScanFunc decides a scan against the current snapshot and returns the
// optimistic next state. An error aborts the scan.
type ScanFunc func(current Snapshot) (model.Attendee, error)

// ApplyScan reads the snapshot for item's ticket, runs decide on it, stores
// the returned state and enqueues item, all in one transaction. Either both
// writes happen or neither does. Errors from decide are returned unchanged.
func (c *Cache) ApplyScan(ctx context.Context, item QueueItem, decide ScanFunc) (model.Attendee, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Attendee{}, fmt.Errorf("begin apply scan: %w", err)
	}
	defer tx.Rollback()

	snap, err := readSnapshot(ctx, tx, item.EventID, item.TicketCode)
	if err != nil {
		return model.Attendee{}, err
	}
	next, err := decide(snap)
	if err != nil {
		return model.Attendee{}, err
	}

	now := toNanos(c.clock())
	if err := applyLocal(ctx, tx, next, now); err != nil {
		return model.Attendee{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbound_queue (
			idempotency_key, event_id, ticket_code, direction, scanned_at,
			entrance_name, operator_name, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.IdempotencyKey, item.EventID, item.TicketCode, string(item.Direction),
		toNanos(item.ScannedAt), item.EntranceName, item.OperatorName, now, now)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return model.Attendee{}, fmt.Errorf("enqueue %s: %w", item.IdempotencyKey, ErrDuplicateKey)
		}
		return model.Attendee{}, fmt.Errorf("enqueue %s: %w", item.IdempotencyKey, err)
	}

	if err := tx.Commit(); err != nil {
		return model.Attendee{}, fmt.Errorf("commit apply scan: %w", err)
	}
	return next, nil
}

const queueColumns = `seq, idempotency_key, event_id, ticket_code, direction, scanned_at,
	entrance_name, operator_name, sync_status, error_code, error_message, attempts,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (QueueItem, error) {
	var (
		q                         QueueItem
		dir, status               string
		scanned, created, updated int64
	)
	err := row.Scan(&q.Seq, &q.IdempotencyKey, &q.EventID, &q.TicketCode, &dir, &scanned,
		&q.EntranceName, &q.OperatorName, &status, &q.ErrorCode, &q.ErrorMessage, &q.Attempts,
		&created, &updated)
	if err != nil {
		return QueueItem{}, err
	}
	q.Direction = model.Direction(dir)
	q.Status = SyncStatus(status)
	q.ScannedAt = fromNanos(scanned)
	q.CreatedAt = fromNanos(created)
	q.UpdatedAt = fromNanos(updated)
	return q, nil
}

func (c *Cache) listQueue(ctx context.Context, query string, args ...any) ([]QueueItem, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	items := []QueueItem{}
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return items, nil
}

// Queue returns every queued item of eventID, pending and error, oldest first.
func (c *Cache) Queue(ctx context.Context, eventID string) ([]QueueItem, error) {
	return c.listQueue(ctx, `SELECT `+queueColumns+`
		FROM outbound_queue WHERE event_id = ? ORDER BY seq`, eventID)
}

// Pending returns up to limit pending items of eventID queued after
// afterSeq, oldest first. limit <= 0 means no limit.
func (c *Cache) Pending(ctx context.Context, eventID string, afterSeq int64, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	return c.listQueue(ctx, `SELECT `+queueColumns+`
		FROM outbound_queue WHERE event_id = ? AND sync_status = 'pending' AND seq > ?
		ORDER BY seq LIMIT ?`, eventID, afterSeq, limit)
}

// QueueItem returns the queued item with key, or ErrNotFound.
func (c *Cache) QueueItem(ctx context.Context, key string) (QueueItem, error) {
	q, err := scanQueueItem(c.db.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM outbound_queue WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, fmt.Errorf("queue item %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("read queue item %s: %w", key, err)
	}
	return q, nil
}

// ReconcileReport summarises how a sync-up response changed the queue.
type ReconcileReport struct {
	Removed   int `json:"removed"`
	Rejected  int `json:"rejected"`
	Retrying  int `json:"retrying"`
	Unmatched int `json:"unmatched"`
}

// Reconcile applies server results to the queue in one transaction.
//
// success and duplicate remove the item. A retryable error keeps it pending
// with the message attached. Any other error keeps it with status error and
// records a conflict, since the item was accepted locally.
func (c *Cache) Reconcile(ctx context.Context, eventID string, results []model.ScanResult) (ReconcileReport, error) {
	var report ReconcileReport

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(c.clock())
	for _, r := range results {
		var (
			res sql.Result
			err error
		)
		switch {
		case r.Status == model.ScanSuccess || r.Status == model.ScanDuplicate:
			res, err = tx.ExecContext(ctx, `
				DELETE FROM outbound_queue WHERE event_id = ? AND idempotency_key = ?
			`, eventID, r.IdempotencyKey)
		case r.Retryable:
			res, err = tx.ExecContext(ctx, `
				UPDATE outbound_queue
				SET error_code = ?, error_message = ?, attempts = attempts + 1, updated_at = ?
				WHERE event_id = ? AND idempotency_key = ? AND sync_status = 'pending'
			`, r.Code, r.Message, now, eventID, r.IdempotencyKey)
		default:
			res, err = tx.ExecContext(ctx, `
				UPDATE outbound_queue
				SET sync_status = 'error', error_code = ?, error_message = ?,
					attempts = attempts + 1, updated_at = ?
				WHERE event_id = ? AND idempotency_key = ?
			`, r.Code, r.Message, now, eventID, r.IdempotencyKey)
		}
		if err != nil {
			return report, fmt.Errorf("reconcile %s: %w", r.IdempotencyKey, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			report.Unmatched++
			continue
		}

		switch {
		case r.Status == model.ScanSuccess || r.Status == model.ScanDuplicate:
			report.Removed++
		case r.Retryable:
			report.Retrying++
		default:
			report.Rejected++
			if err := insertConflict(ctx, tx, r.IdempotencyKey, SourceSyncUp, r.Code, r.Message, now); err != nil {
				return report, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit reconcile: %w", err)
	}
	return report, nil
}

// Dismiss removes an error item after an operator acknowledged it.
// Pending items cannot be dismissed.
func (c *Cache) Dismiss(ctx context.Context, key string) error {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM outbound_queue WHERE idempotency_key = ? AND sync_status = 'error'
	`, key)
	if err != nil {
		return fmt.Errorf("dismiss %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dismiss %s: no error item with this key: %w", key, ErrNotFound)
	}
	return nil
}
