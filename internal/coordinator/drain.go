package coordinator

import (
	"context"
	"fmt"

	"conductor/internal/dispatch"
	"conductor/internal/logging"
	"conductor/internal/queue"
)

// DrainResult reports what a drain did.
type DrainResult struct {
	Promoted  bool
	Triggered bool
	Item      *queue.Item
}

// DrainNextQueuedOperation promotes the oldest queued major item whose type
// has no running or paused item and fires its processor trigger. Losing the
// promotion to a concurrent drain is reported as not promoted. Trigger
// failures never undo a promotion.
func (c *Coordinator) DrainNextQueuedOperation(ctx context.Context) (DrainResult, error) {
	item, err := c.store.OldestDrainable(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("select next queued operation: %w", err)
	}
	if item == nil {
		return DrainResult{}, nil
	}

	logger := c.itemLogger(ctx, item)
	ok, err := c.store.Transition(ctx, item.ID, queue.StatusQueued, queue.StatusRunning)
	if err != nil {
		return DrainResult{}, fmt.Errorf("promote %s: %w", item.ID, err)
	}
	if !ok {
		logger.Info("promotion lost to a concurrent writer",
			logging.String(logging.FieldEventType, "drain_race_lost"),
		)
		return DrainResult{}, nil
	}

	if promoted, err := c.store.GetByID(ctx, item.ID); err == nil && promoted != nil {
		item = promoted
	} else {
		item.Status = queue.StatusRunning
	}
	logger.Info("operation promoted",
		logging.String(logging.FieldEventType, "operation_promoted"),
	)

	result := DrainResult{Promoted: true, Item: item}
	if c.waker != nil {
		result.Triggered = c.waker.Fire(ctx, dispatch.Trigger{
			OperationType: item.OperationType,
			QueueID:       item.ID,
			Context:       item.Context,
		})
	}
	return result, nil
}

// DrainAll repeats DrainNextQueuedOperation until nothing is promoted or
// limit promotions have happened, and returns the promoted items. A limit
// of zero or less allows one promotion per item queued at the start.
func (c *Coordinator) DrainAll(ctx context.Context, limit int) ([]*queue.Item, error) {
	if limit <= 0 {
		summary, err := c.store.Health(ctx)
		if err != nil {
			return nil, fmt.Errorf("count queued operations: %w", err)
		}
		limit = summary.Queued
	}
	var promoted []*queue.Item
	for len(promoted) < limit {
		if ctx.Err() != nil {
			return promoted, ctx.Err()
		}
		res, err := c.DrainNextQueuedOperation(ctx)
		if err != nil {
			return promoted, err
		}
		if !res.Promoted {
			break
		}
		promoted = append(promoted, res.Item)
	}
	return promoted, nil
}
