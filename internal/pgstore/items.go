package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"conductor/internal/queue"
)

const itemColumns = `id, operation_type, status, classification, total_items, completed_items,
    failed_items, error_log, context_json, queued_at, started_at, completed_at, updated_at`

func scanItem(row pgx.Row) (*queue.Item, error) {
	var (
		item     queue.Item
		status   string
		class    string
		errorLog []byte
		ctxJSON  []byte
	)
	if err := row.Scan(
		&item.ID,
		&item.OperationType,
		&status,
		&class,
		&item.TotalItems,
		&item.CompletedItems,
		&item.FailedItems,
		&errorLog,
		&ctxJSON,
		&item.QueuedAt,
		&item.StartedAt,
		&item.CompletedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Status = queue.Status(status)
	item.Classification = queue.Classification(class)
	if len(errorLog) > 0 {
		if err := json.Unmarshal(errorLog, &item.ErrorLog); err != nil {
			item.ErrorLog = nil
		}
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &item.Context); err != nil || len(item.Context) == 0 {
			item.Context = nil
		}
	}
	return &item, nil
}

func collectItems(rows pgx.Rows) ([]*queue.Item, error) {
	defer rows.Close()
	var items []*queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func encodeErrorLog(entries []queue.ErrorEntry) ([]byte, error) {
	if entries == nil {
		entries = []queue.ErrorEntry{}
	}
	return json.Marshal(entries)
}

// Insert records a new operation. Major items start running when their type
// is idle and are queued otherwise. Two racing inserts can both observe an
// idle type; the partial unique index rejects the second, which is then
// stored as queued.
func (s *Store) Insert(ctx context.Context, n queue.NewItem) (*queue.Item, error) {
	opType := strings.TrimSpace(n.OperationType)
	if opType == "" {
		return nil, errors.New("insert item: operation type is required")
	}
	class := n.Classification
	if class == "" {
		class = queue.ClassificationMajor
	}
	contextJSON, err := queue.EncodeContext(n.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	id := uuid.NewString()
	now := s.timestamp()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO queue_items (
            id, operation_type, status, classification, context_json, queued_at, started_at, updated_at
        )
        SELECT $1, $2, d.status, $3, $4::jsonb, $5, CASE WHEN d.status = 'running' THEN $5::timestamptz END, $5
        FROM (
            SELECT CASE
                WHEN $3 = 'minor' OR NOT EXISTS (
                    SELECT 1 FROM queue_items
                    WHERE operation_type = $2 AND classification = 'major'
                      AND status IN ('running', 'paused')
                ) THEN 'running'
                ELSE 'queued'
            END AS status
        ) AS d
        RETURNING `+itemColumns,
		id, opType, string(class), contextJSON, now,
	)
	item, err := scanItem(row)
	if err != nil && isUniqueViolation(err) {
		row = s.pool.QueryRow(ctx,
			`INSERT INTO queue_items (id, operation_type, status, classification, context_json, queued_at, updated_at)
            VALUES ($1, $2, 'queued', $3, $4::jsonb, $5, $5)
            RETURNING `+itemColumns,
			id, opType, string(class), contextJSON, now,
		)
		item, err = scanItem(row)
	}
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// GetByID fetches a queue item by identifier. A missing item yields nil, nil.
func (s *Store) GetByID(ctx context.Context, id string) (*queue.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// FindByStatus returns the earliest-started item of opType in status, or nil.
func (s *Store) FindByStatus(ctx context.Context, opType string, status queue.Status) (*queue.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items
        WHERE operation_type = $1 AND status = $2
        ORDER BY COALESCE(started_at, queued_at), seq
        LIMIT 1`,
		opType, string(status),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s item: %w", status, err)
	}
	return item, nil
}

// List returns items matching filter, oldest first.
func (s *Store) List(ctx context.Context, filter queue.ListFilter) ([]*queue.Item, error) {
	var (
		clauses []string
		args    []any
	)
	if opType := strings.TrimSpace(filter.OperationType); opType != "" {
		args = append(args, opType)
		clauses = append(clauses, "operation_type = $"+strconv.Itoa(len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		clauses = append(clauses, "status = ANY($"+strconv.Itoa(len(args))+")")
	}
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY queued_at, seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return collectItems(rows)
}

// OldestDrainable returns the oldest queued major item whose type has no
// running or paused major item, or nil.
func (s *Store) OldestDrainable(ctx context.Context) (*queue.Item, error) {
	item, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items AS q
        WHERE q.status = 'queued' AND q.classification = 'major'
          AND NOT EXISTS (
            SELECT 1 FROM queue_items AS a
            WHERE a.operation_type = q.operation_type
              AND a.classification = 'major'
              AND a.status IN ('running', 'paused')
          )
        ORDER BY q.queued_at, q.seq
        LIMIT 1`,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select drainable item: %w", err)
	}
	return item, nil
}

// Transition moves an item between statuses, guarded by the expected prior
// status. Losing the single-flight slot reports false.
func (s *Store) Transition(ctx context.Context, id string, from, to queue.Status) (bool, error) {
	now := s.timestamp()
	var query string
	switch {
	case to == queue.StatusRunning:
		query = `UPDATE queue_items SET status = $1, started_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`
	case to.IsTerminal():
		query = `UPDATE queue_items SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`
	default:
		query = `UPDATE queue_items SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	}
	tag, err := s.pool.Exec(ctx, query, string(to), now, id, string(from))
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	return tag.RowsAffected() > 0, nil
}

// StaleRunning returns running items whose started_at is before cutoff.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time) ([]*queue.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM queue_items
        WHERE status = 'running' AND started_at IS NOT NULL AND started_at < $1
        ORDER BY started_at, seq`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("select stale items: %w", err)
	}
	return collectItems(rows)
}

// FailStale appends entry and forces the item to failed while it is still
// running. It reports whether the item changed.
func (s *Store) FailStale(ctx context.Context, id string, entry queue.ErrorEntry, maxEntries int) (bool, error) {
	changed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT error_log FROM queue_items WHERE id = $1 AND status = 'running' FOR UPDATE`, id,
		).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error log: %w", err)
		}
		var current []queue.ErrorEntry
		_ = json.Unmarshal(raw, &current)
		encoded, err := encodeErrorLog(queue.AppendErrors(current, maxEntries, entry))
		if err != nil {
			return fmt.Errorf("encode error log: %w", err)
		}
		now := s.timestamp()
		tag, err := tx.Exec(ctx,
			`UPDATE queue_items
            SET status = 'failed', completed_at = $1, updated_at = $1, error_log = $2::jsonb
            WHERE id = $3 AND status = 'running'`,
			now, string(encoded), id,
		)
		if err != nil {
			return fmt.Errorf("fail stale item: %w", err)
		}
		changed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// RequeueFailed moves failed major items back to queued. With no ids every
// failed major item is requeued.
func (s *Store) RequeueFailed(ctx context.Context, ids ...string) (int64, error) {
	query := `UPDATE queue_items
        SET status = 'queued', queued_at = $1, started_at = NULL, completed_at = NULL,
            completed_items = 0, failed_items = 0, updated_at = $1
        WHERE status = 'failed' AND classification = 'major'`
	args := []any{s.timestamp()}
	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, ids)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue failed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClearTerminal deletes completed and failed items.
func (s *Store) ClearTerminal(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE status IN ('completed', 'failed')`)
	if err != nil {
		return 0, fmt.Errorf("clear terminal items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Health aggregates item counts per status.
func (s *Store) Health(ctx context.Context) (queue.HealthSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return queue.HealthSummary{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[queue.Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return queue.HealthSummary{}, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[queue.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return queue.HealthSummary{}, err
	}
	return queue.SummarizeStats(stats), nil
}
