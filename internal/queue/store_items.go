package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Insert records a new operation. Major items start running only when no
// other major item of the same type is running or paused; otherwise they are
// queued. Minor items always start running. The decision and the insert
// happen in one statement so racing workers cannot both claim the slot.
func (s *Store) Insert(ctx context.Context, n NewItem) (*Item, error) {
	opType := strings.TrimSpace(n.OperationType)
	if opType == "" {
		return nil, errors.New("insert item: operation type is required")
	}
	class := n.Classification
	if class == "" {
		class = ClassificationMajor
	}
	contextJSON, err := EncodeContext(n.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	id := uuid.NewString()
	timestamp := formatTime(s.now())

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO queue_items (
            id, operation_type, status, classification, error_log, context_json,
            queued_at, started_at, updated_at
        )
        SELECT ?, ?, d.status, ?, '[]', ?, ?, CASE WHEN d.status = 'running' THEN ? END, ?
        FROM (
            SELECT CASE
                WHEN ? = 'minor' OR NOT EXISTS (
                    SELECT 1 FROM queue_items
                    WHERE operation_type = ? AND classification = 'major'
                      AND status IN ('running', 'paused')
                ) THEN 'running'
                ELSE 'queued'
            END AS status
        ) AS d`,
		id,
		opType,
		string(class),
		contextJSON,
		timestamp,
		timestamp,
		timestamp,
		string(class),
		opType,
	)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	item, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("insert item: %w", ErrNotFound)
	}
	return item, nil
}

// GetByID fetches a queue item by identifier. A missing item yields nil, nil.
func (s *Store) GetByID(ctx context.Context, id string) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// FindByStatus returns the earliest-started item of opType in status, or nil.
func (s *Store) FindByStatus(ctx context.Context, opType string, status Status) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+itemColumns+` FROM queue_items
        WHERE operation_type = ? AND status = ?
        ORDER BY COALESCE(started_at, queued_at), rowid
        LIMIT 1`,
		opType,
		string(status),
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s item: %w", status, err)
	}
	return item, nil
}

// List returns items matching filter, oldest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	ctx = ensureContext(ctx)
	var (
		clauses []string
		args    []any
	)
	if opType := strings.TrimSpace(filter.OperationType); opType != "" {
		clauses = append(clauses, "operation_type = ?")
		args = append(args, opType)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}

	query := `SELECT ` + itemColumns + ` FROM queue_items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY queued_at, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// OldestDrainable returns the oldest queued major item whose operation type
// has no running or paused major item, or nil when nothing can be promoted.
func (s *Store) OldestDrainable(ctx context.Context) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+itemColumns+` FROM queue_items AS q
        WHERE q.status = 'queued' AND q.classification = 'major'
          AND NOT EXISTS (
            SELECT 1 FROM queue_items AS a
            WHERE a.operation_type = q.operation_type
              AND a.classification = 'major'
              AND a.status IN ('running', 'paused')
          )
        ORDER BY q.queued_at, q.rowid
        LIMIT 1`,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select drainable item: %w", err)
	}
	return item, nil
}

// Remove deletes an item by id.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClearTerminal deletes completed and failed items and returns how many were
// removed.
func (s *Store) ClearTerminal(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM queue_items WHERE status IN ('completed', 'failed')`)
	if err != nil {
		return 0, fmt.Errorf("clear terminal items: %w", err)
	}
	return res.RowsAffected()
}
