package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/turnstile/internal/model"
)

// ReserveKey inserts a pending ledger row for entry.
//
// Returns inserted=true if this call created the row and therefore owns the
// key. inserted=false means another submission got there first; the caller
// must read the existing row instead of executing.
func (s *Store) ReserveKey(ctx context.Context, entry model.LedgerEntry) (bool, error) {
	meta, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return false, err
	}
	now := toNanos(s.clock())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_ledger (event_id, idempotency_key, result, metadata, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(event_id, idempotency_key) DO NOTHING
	`, entry.EventID, entry.IdempotencyKey, meta, now, now)
	if err != nil {
		return false, fmt.Errorf("reserve key %s: %w", entry.IdempotencyKey, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve key rows affected: %w", err)
	}
	return n > 0, nil
}

// ReadKey returns the ledger row for (eventID, key), or model.ErrNotFound.
func (s *Store) ReadKey(ctx context.Context, eventID, key string) (model.LedgerEntry, error) {
	var (
		e       model.LedgerEntry
		result  string
		meta    string
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, idempotency_key, result, metadata, created_at, updated_at
		FROM idempotency_ledger
		WHERE event_id = ? AND idempotency_key = ?
	`, eventID, key).Scan(&e.EventID, &e.IdempotencyKey, &result, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerEntry{}, fmt.Errorf("ledger key %s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("read key %s: %w", key, err)
	}

	e.Result = model.LedgerResult(result)
	e.Metadata, err = unmarshalMetadata(meta)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

// CompleteKey writes a terminal result onto a pending row reserved under
// entry's lease. Terminal rows are immutable. A row that is gone, terminal
// or held under another lease yields model.ErrReservationLost.
func (s *Store) CompleteKey(ctx context.Context, entry model.LedgerEntry) error {
	if !entry.Result.Terminal() {
		return fmt.Errorf("complete key %s: result %q is not terminal", entry.IdempotencyKey, entry.Result)
	}
	return completeKey(ctx, s.db, entry, toNanos(s.clock()))
}

// execer is implemented by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func completeKey(ctx context.Context, db execer, entry model.LedgerEntry, now int64) error {
	meta, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE idempotency_ledger
		SET result = ?, metadata = ?, updated_at = ?
		WHERE event_id = ? AND idempotency_key = ? AND result = 'pending'
			AND COALESCE(json_extract(metadata, '$.lease'), '') = ?
	`, string(entry.Result), meta, now, entry.EventID, entry.IdempotencyKey, entry.Metadata.Lease)
	if err != nil {
		return fmt.Errorf("complete key %s: %w", entry.IdempotencyKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete key rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete key %s: %w", entry.IdempotencyKey, model.ErrReservationLost)
	}
	return nil
}

// ReleaseKey deletes a reservation that will never complete. Only a pending
// row held under lease is removed; terminal rows and rows re-reserved by
// another submission are left untouched.
func (s *Store) ReleaseKey(ctx context.Context, eventID, key, lease string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_ledger
		WHERE event_id = ? AND idempotency_key = ? AND result = 'pending'
			AND COALESCE(json_extract(metadata, '$.lease'), '') = ?
	`, eventID, key, lease)
	if err != nil {
		return fmt.Errorf("release key %s: %w", key, err)
	}
	return nil
}

// ReclaimStaleKey deletes a pending row whose lease has expired, but only if
// it is unchanged since the caller observed it. Returns whether the row was
// removed. Of several concurrent reclaimers at most one succeeds.
func (s *Store) ReclaimStaleKey(ctx context.Context, eventID, key string, observedUpdatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_ledger
		WHERE event_id = ? AND idempotency_key = ? AND result = 'pending' AND updated_at = ?
	`, eventID, key, toNanos(observedUpdatedAt))
	if err != nil {
		return false, fmt.Errorf("reclaim key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim key rows affected: %w", err)
	}
	return n > 0, nil
}

// PruneLedger deletes terminal rows last updated before cutoff.
// Pending rows are never pruned here; they age out through stale reclaim.
func (s *Store) PruneLedger(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_ledger
		WHERE result IN ('success', 'error') AND updated_at < ?
	`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}
