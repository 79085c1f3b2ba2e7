package coordinator

import (
	"context"
	"log/slog"
	"strings"

	"conductor/internal/logging"
	"conductor/internal/queue"
)

// Progress is one progress report from a worker.
type Progress struct {
	// QueueID targets a specific item; when empty the earliest running item
	// of the operation type is used.
	QueueID        string            `json:"queueId,omitempty"`
	CompletedDelta int               `json:"completedDelta"`
	FailedDelta    int               `json:"failedDelta"`
	Error          *queue.ErrorEntry `json:"error,omitempty"`
}

// UpdateProgress applies p to the running item of opType. A QueueID that
// names an item of another type, or one that is not running, is ignored. Counter deltas use
// the store's atomic increment when available and a read-modify-write
// fallback otherwise; the fallback can lose updates when workers race. The
// error log append is read-modify-write on every backend. UpdateProgress
// never fails the caller: problems are logged and swallowed.
func (c *Coordinator) UpdateProgress(ctx context.Context, opType string, p Progress) {
	item := c.progressTarget(ctx, opType, p.QueueID)
	if item == nil {
		return
	}
	logger := c.itemLogger(ctx, item)

	var entry *queue.ErrorEntry
	if p.Error != nil {
		e := *p.Error
		if e.Timestamp.IsZero() {
			e.Timestamp = c.now().UTC()
		}
		entry = &e
	}

	if inc, ok := c.store.(queue.CounterIncrementer); ok {
		if p.CompletedDelta != 0 || p.FailedDelta != 0 {
			counters, err := inc.IncrementCounters(ctx, item.ID, p.CompletedDelta, p.FailedDelta)
			if err != nil {
				c.warnProgress(logger, "increment progress counters failed", err)
			} else {
				c.sampleProgress(logger, item.ID, counters)
			}
		}
		if entry != nil {
			if err := c.store.AppendErrorLog(ctx, item.ID, c.cfg.Queue.MaxErrorLog, *entry); err != nil {
				c.warnProgress(logger, "append error log failed", err)
			}
		}
		return
	}

	logger.Debug("store lacks atomic counters; using read-modify-write",
		logging.String(logging.FieldEventType, "progress_fallback"),
	)
	item.CompletedItems += p.CompletedDelta
	item.FailedItems += p.FailedDelta
	if entry != nil {
		item.ErrorLog = queue.AppendErrors(item.ErrorLog, c.cfg.Queue.MaxErrorLog, *entry)
	}
	if err := c.store.SaveProgress(ctx, item); err != nil {
		c.warnProgress(logger, "save progress failed", err)
		return
	}
	c.sampleProgress(logger, item.ID, item.Counters())
}

// SetTotal records how many units the running item of opType will process.
// Like UpdateProgress it only logs failures.
func (c *Coordinator) SetTotal(ctx context.Context, opType, queueID string, total int) {
	item := c.progressTarget(ctx, opType, queueID)
	if item == nil {
		return
	}
	if err := c.store.SetTotal(ctx, item.ID, total); err != nil {
		c.warnProgress(c.itemLogger(ctx, item), "set total failed", err)
	}
}

func (c *Coordinator) progressTarget(ctx context.Context, opType, queueID string) *queue.Item {
	var (
		item *queue.Item
		err  error
	)
	if id := strings.TrimSpace(queueID); id != "" {
		item, err = c.store.GetByID(ctx, id)
	} else {
		item, err = c.store.FindByStatus(ctx, opType, queue.StatusRunning)
	}
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "resolve progress target failed", "progress_lookup_failed",
			logging.Error(err),
			logging.OperationType(opType),
			logging.String(logging.FieldImpact, "progress update dropped"),
		)
		return nil
	}
	if item == nil || item.Status != queue.StatusRunning || item.OperationType != opType {
		c.logger.Debug("no running operation for progress update",
			logging.OperationType(opType),
			logging.QueueID(queueID),
		)
		return nil
	}
	return item
}

func (c *Coordinator) sampleProgress(logger *slog.Logger, id string, counters queue.Counters) {
	percent := counters.Percent()
	if !c.sampler.ShouldLog(id, percent) {
		return
	}
	logger.Info("operation progress",
		logging.String(logging.FieldEventType, "operation_progress"),
		logging.Int("completed_items", counters.Completed),
		logging.Int("failed_items", counters.Failed),
		logging.Int("total_items", counters.Total),
		logging.Float64("percent", percent),
	)
}

func (c *Coordinator) warnProgress(logger *slog.Logger, msg string, err error) {
	logging.WarnWithContext(logger, msg, "progress_update_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the queue store connection"),
		logging.String(logging.FieldImpact, "progress counters may under-report this operation"),
	)
}
