package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/turnstile/internal/model"
)

// ConflictSource tells where a conflict was detected.
type ConflictSource string

const (
	// SourceSyncUp: the server rejected a scan the device had accepted.
	SourceSyncUp ConflictSource = "sync_up"
	// SourceRebase: a pending scan no longer validates against fresh server state.
	SourceRebase ConflictSource = "rebase"
)

// Conflict is a disagreement between optimistic local state and the server
// that an operator has to look at.
type Conflict struct {
	ID             int64           `json:"id"`
	EventID        string          `json:"event_id"`
	TicketCode     string          `json:"ticket_code"`
	IdempotencyKey string          `json:"idempotency_key"`
	Direction      model.Direction `json:"direction"`
	Source         ConflictSource  `json:"source"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	DetectedAt     time.Time       `json:"detected_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// insertConflict records a conflict for the queued scan key. A conflict is
// recorded once per key and source.
func insertConflict(ctx context.Context, db execer, key string, source ConflictSource, code, message string, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conflicts (
			event_id, ticket_code, idempotency_key, direction, source, code, message, detected_at
		)
		SELECT event_id, ticket_code, idempotency_key, direction, ?, ?, ?, ?
		FROM outbound_queue WHERE idempotency_key = ?
		ON CONFLICT(idempotency_key, source) DO NOTHING
	`, string(source), code, message, now, key)
	if err != nil {
		return fmt.Errorf("record conflict %s: %w", key, err)
	}
	return nil
}

// Conflicts lists conflicts of eventID, newest first. Resolved conflicts are
// included only when all is true.
func (c *Cache) Conflicts(ctx context.Context, eventID string, all bool) ([]Conflict, error) {
	query := `
		SELECT id, event_id, ticket_code, idempotency_key, direction, source, code, message,
			detected_at, resolved_at
		FROM conflicts WHERE event_id = ?`
	if !all {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC, id DESC`

	rows, err := c.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	out := []Conflict{}
	for rows.Next() {
		var (
			cf          Conflict
			dir, source string
			detected    int64
			resolved    sql.NullInt64
		)
		if err := rows.Scan(&cf.ID, &cf.EventID, &cf.TicketCode, &cf.IdempotencyKey, &dir, &source,
			&cf.Code, &cf.Message, &detected, &resolved); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		cf.Direction = model.Direction(dir)
		cf.Source = ConflictSource(source)
		cf.DetectedAt = fromNanos(detected)
		if resolved.Valid {
			t := fromNanos(resolved.Int64)
			cf.ResolvedAt = &t
		}
		out = append(out, cf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// ResolveConflict marks a conflict as handled by an operator.
func (c *Cache) ResolveConflict(ctx context.Context, id int64) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE conflicts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL
	`, toNanos(c.clock()), id)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve conflict %d: %w", id, ErrNotFound)
	}
	return nil
}
