package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CounterIncrementer is implemented by stores that can apply progress deltas
// store-side in a single atomic statement.
type CounterIncrementer interface {
	IncrementCounters(ctx context.Context, id string, completedDelta, failedDelta int) (Counters, error)
}

var _ CounterIncrementer = (*Store)(nil)

// IncrementCounters adds the deltas to the item's counters without reading
// them first and returns the post-update values. Only running items accept
// deltas; any other status reports ErrNotFound.
func (s *Store) IncrementCounters(ctx context.Context, id string, completedDelta, failedDelta int) (Counters, error) {
	ctx = ensureContext(ctx)
	var counters Counters
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(
			ctx,
			`UPDATE queue_items
            SET completed_items = completed_items + ?,
                failed_items = failed_items + ?,
                updated_at = ?
            WHERE id = ? AND status = 'running'
            RETURNING total_items, completed_items, failed_items`,
			completedDelta,
			failedDelta,
			formatTime(s.now()),
			id,
		).Scan(&counters.Total, &counters.Completed, &counters.Failed)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{}, fmt.Errorf("increment counters: %w", ErrNotFound)
	}
	if err != nil {
		return Counters{}, fmt.Errorf("increment counters: %w", err)
	}
	return counters, nil
}

// SaveProgress overwrites the counters and error log of a running item with
// the values on item. This is a plain read-modify-write companion to GetByID and loses
// updates when callers race.
func (s *Store) SaveProgress(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("save progress: item is nil")
	}
	errorLog, err := encodeErrorLog(item.ErrorLog)
	if err != nil {
		return fmt.Errorf("encode error log: %w", err)
	}
	item.UpdatedAt = s.now()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE queue_items
        SET total_items = ?, completed_items = ?, failed_items = ?, error_log = ?, updated_at = ?
        WHERE id = ? AND status = 'running'`,
		item.TotalItems,
		item.CompletedItems,
		item.FailedItems,
		errorLog,
		formatTime(item.UpdatedAt),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return requireAffected(res, "save progress")
}

// AppendErrorLog appends entries to the item's error log, keeping at most
// maxEntries of the newest. The read and write share one transaction so the
// log is never truncated by a concurrent append on this backend.
func (s *Store) AppendErrorLog(ctx context.Context, id string, maxEntries int, entries ...ErrorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT error_log FROM queue_items WHERE id = ?`, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("append error log: %w", ErrNotFound)
			}
			return fmt.Errorf("read error log: %w", err)
		}
		encoded, err := encodeErrorLog(AppendErrors(decodeErrorLog(raw), maxEntries, entries...))
		if err != nil {
			return fmt.Errorf("encode error log: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET error_log = ?, updated_at = ? WHERE id = ?`,
			encoded, formatTime(s.now()), id,
		); err != nil {
			return fmt.Errorf("write error log: %w", err)
		}
		return nil
	})
}

// SetTotal records the number of work units the operation will process.
func (s *Store) SetTotal(ctx context.Context, id string, total int) error {
	if total < 0 {
		return fmt.Errorf("set total: negative total %d", total)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE queue_items SET total_items = ?, updated_at = ? WHERE id = ?`,
		total,
		formatTime(s.now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	return requireAffected(res, "set total")
}

func requireAffected(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
