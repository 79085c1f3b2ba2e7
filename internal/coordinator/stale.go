package coordinator

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/logging"
	"conductor/internal/queue"
)

// RecoverStaleOperations fails every running item whose started_at is older
// than the stale threshold, regardless of its progress, and returns how many
// it changed. Each item is updated on its own; an item completed
// concurrently is left alone and a failure on one item does not stop the
// sweep. When anything was recovered the drain runs once.
func (c *Coordinator) RecoverStaleOperations(ctx context.Context) (int, error) {
	now := c.now().UTC()
	cutoff := now.Add(-c.cfg.StaleAfter())

	items, err := c.store.StaleRunning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select stale operations: %w", err)
	}

	recovered := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		entry := queue.ErrorEntry{
			ItemID:    item.ID,
			Error:     staleMessage(item),
			Timestamp: now,
		}
		logger := c.itemLogger(ctx, item)
		changed, err := c.store.FailStale(ctx, item.ID, entry, c.cfg.Queue.MaxErrorLog)
		if err != nil {
			logging.WarnWithContext(logger, "fail stale operation failed", "stale_recover_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "operation stays running until the next sweep"),
			)
			continue
		}
		if !changed {
			continue
		}
		recovered++
		c.sampler.Forget(item.ID)
		logging.WarnWithContext(logger, "stale operation failed", "stale_recovered",
			logging.String("reason", entry.Error),
			logging.String(logging.FieldErrorHint, "the worker stopped reporting; check processor logs"),
			logging.String(logging.FieldImpact, "operation marked failed and its slot released"),
		)
	}

	if recovered > 0 {
		if _, err := c.DrainNextQueuedOperation(ctx); err != nil {
			logging.WarnWithContext(c.logger, "drain after stale sweep failed", "drain_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "queued operations wait for the periodic trigger"),
			)
		}
	}
	return recovered, nil
}

func staleMessage(item *queue.Item) string {
	since := item.QueuedAt
	if item.StartedAt != nil {
		since = *item.StartedAt
	}
	return fmt.Sprintf("%d/%d items completed, stale since %s",
		item.CompletedItems, item.TotalItems, since.UTC().Format(time.RFC3339))
}
