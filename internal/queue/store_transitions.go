package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Transition moves an item from one status to another, guarded by the
// expected prior status. It reports false when the item was no longer in
// from, including when a promotion loses the single-flight slot to another
// writer. Entering running stamps started_at; entering a terminal status
// stamps completed_at.
func (s *Store) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	now := formatTime(s.now())

	var (
		res sql.Result
		err error
	)
	switch {
	case to == StatusRunning:
		res, err = s.execWithRetry(
			ctx,
			`UPDATE queue_items SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, now, id, string(from),
		)
	case to.IsTerminal():
		res, err = s.execWithRetry(
			ctx,
			`UPDATE queue_items SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, now, id, string(from),
		)
	default:
		res, err = s.execWithRetry(
			ctx,
			`UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from),
		)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return affected > 0, nil
}

// StaleRunning returns running items whose started_at is before cutoff.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time) ([]*Item, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+itemColumns+` FROM queue_items
        WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
        ORDER BY started_at, rowid`,
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("select stale items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// FailStale appends entry to the item's error log and forces it to failed,
// but only while it is still running. It reports whether the item changed.
func (s *Store) FailStale(ctx context.Context, id string, entry ErrorEntry, maxEntries int) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		changed = false
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT error_log FROM queue_items WHERE id = ? AND status = 'running'`, id,
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error log: %w", err)
		}
		encoded, err := encodeErrorLog(AppendErrors(decodeErrorLog(raw), maxEntries, entry))
		if err != nil {
			return fmt.Errorf("encode error log: %w", err)
		}
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items
            SET status = 'failed', completed_at = ?, updated_at = ?, error_log = ?
            WHERE id = ? AND status = 'running'`,
			now, now, encoded, id,
		)
		if err != nil {
			return fmt.Errorf("fail stale item: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = affected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// RequeueFailed moves failed major items back to queued with a fresh
// queued_at and reset counters. With no ids every failed major item is
// requeued.
func (s *Store) RequeueFailed(ctx context.Context, ids ...string) (int64, error) {
	now := formatTime(s.now())
	query := `UPDATE queue_items
        SET status = 'queued', queued_at = ?, started_at = NULL, completed_at = NULL,
            completed_items = 0, failed_items = 0, updated_at = ?
        WHERE status = 'failed' AND classification = 'major'`
	args := []any{now, now}
	if len(ids) > 0 {
		query += ` AND id IN (` + makePlaceholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue failed items: %w", err)
	}
	return res.RowsAffected()
}
