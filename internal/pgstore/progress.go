package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"conductor/internal/queue"
)

// IncrementCounters adds the deltas store-side and returns the new values.
// Items that are not running report queue.ErrNotFound.
func (s *Store) IncrementCounters(ctx context.Context, id string, completedDelta, failedDelta int) (queue.Counters, error) {
	var c queue.Counters
	err := s.pool.QueryRow(ctx,
		`UPDATE queue_items
        SET completed_items = completed_items + $1,
            failed_items = failed_items + $2,
            updated_at = $3
        WHERE id = $4 AND status = 'running'
        RETURNING total_items, completed_items, failed_items`,
		completedDelta, failedDelta, s.timestamp(), id,
	).Scan(&c.Total, &c.Completed, &c.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Counters{}, fmt.Errorf("increment counters: %w", queue.ErrNotFound)
	}
	if err != nil {
		return queue.Counters{}, fmt.Errorf("increment counters: %w", err)
	}
	return c, nil
}

// SaveProgress overwrites counters and error log of a running item.
func (s *Store) SaveProgress(ctx context.Context, item *queue.Item) error {
	if item == nil {
		return errors.New("save progress: item is nil")
	}
	encoded, err := encodeErrorLog(item.ErrorLog)
	if err != nil {
		return fmt.Errorf("encode error log: %w", err)
	}
	item.UpdatedAt = s.timestamp()
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items
        SET total_items = $1, completed_items = $2, failed_items = $3, error_log = $4::jsonb, updated_at = $5
        WHERE id = $6 AND status = 'running'`,
		item.TotalItems, item.CompletedItems, item.FailedItems, string(encoded), item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save progress: %w", queue.ErrNotFound)
	}
	return nil
}

// AppendErrorLog appends entries under a row lock, keeping the newest
// maxEntries.
func (s *Store) AppendErrorLog(ctx context.Context, id string, maxEntries int, entries ...queue.ErrorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT error_log FROM queue_items WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("append error log: %w", queue.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read error log: %w", err)
		}
		var current []queue.ErrorEntry
		_ = json.Unmarshal(raw, &current)
		encoded, err := encodeErrorLog(queue.AppendErrors(current, maxEntries, entries...))
		if err != nil {
			return fmt.Errorf("encode error log: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE queue_items SET error_log = $1::jsonb, updated_at = $2 WHERE id = $3`,
			string(encoded), s.timestamp(), id,
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET total_items = $1, updated_at = $2 WHERE id = $3`,
		total, s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set total: %w", queue.ErrNotFound)
	}
	return nil
}
