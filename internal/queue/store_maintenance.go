package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// DatabaseHealth captures diagnostic information about the queue database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	MissingTables    []string
	IntegrityCheck   bool
	TotalItems       int
	Error            string
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	return SummarizeStats(stats), nil
}

// SummarizeStats folds per-status counts into a HealthSummary.
func SummarizeStats(stats map[Status]int) HealthSummary {
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusQueued:
			health.Queued += count
		case StatusRunning:
			health.Running += count
		case StatusPaused:
			health.Paused += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		}
	}
	return health
}

// requiredTables are created by schema.sql.
var requiredTables = []string{"provider_state", "queue_items", "schema_version"}

// CheckHealth inspects the database file, schema and integrity. A missing
// file is reported with DatabaseExists=false and no error.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	ctx = ensureContext(ctx)
	health := DatabaseHealth{DBPath: s.path}
	fail := func(err error) (DatabaseHealth, error) {
		health.Error = err.Error()
		return health, err
	}

	if s.path == "" {
		return fail(errors.New("queue database path is unknown"))
	}
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return health, nil
	case err != nil:
		return fail(fmt.Errorf("stat queue database: %w", err))
	case info.IsDir():
		return fail(fmt.Errorf("queue database path %q is a directory", s.path))
	}
	health.DatabaseExists = true

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fail(fmt.Errorf("ping queue database: %w", err))
	}
	health.DatabaseReadable = true

	if health.SchemaVersion, err = storedSchemaVersion(ctx, s.db); err != nil {
		return fail(err)
	}

	present, err := s.tableNames(ctx)
	if err != nil {
		return fail(err)
	}
	for _, table := range requiredTables {
		if !present[table] {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	if present["queue_items"] {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_items").Scan(&health.TotalItems); err != nil {
			return fail(fmt.Errorf("count queue items: %w", err))
		}
	}

	var integrity string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&integrity); err != nil {
		return fail(fmt.Errorf("integrity check: %w", err))
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}

func (s *Store) tableNames(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	names := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}
