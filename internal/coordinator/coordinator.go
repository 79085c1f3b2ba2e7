package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/dispatch"
	"conductor/internal/logging"
	"conductor/internal/queue"
	"conductor/internal/services"
)

var (
	// ErrNoActiveOperation is returned when pause, resume or complete finds
	// no item in the required status.
	ErrNoActiveOperation = errors.New("no active operation")
	// ErrInvalidStatus is returned when a completion names a non-terminal status.
	ErrInvalidStatus = errors.New("invalid final status")
)

// Store is the persistence the coordinator needs. queue.Store and
// pgstore.Store both satisfy it.
type Store interface {
	Insert(ctx context.Context, n queue.NewItem) (*queue.Item, error)
	GetByID(ctx context.Context, id string) (*queue.Item, error)
	FindByStatus(ctx context.Context, opType string, status queue.Status) (*queue.Item, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*queue.Item, error)
	Transition(ctx context.Context, id string, from, to queue.Status) (bool, error)
	SaveProgress(ctx context.Context, item *queue.Item) error
	AppendErrorLog(ctx context.Context, id string, maxEntries int, entries ...queue.ErrorEntry) error
	SetTotal(ctx context.Context, id string, total int) error
	StaleRunning(ctx context.Context, cutoff time.Time) ([]*queue.Item, error)
	FailStale(ctx context.Context, id string, entry queue.ErrorEntry, maxEntries int) (bool, error)
	OldestDrainable(ctx context.Context) (*queue.Item, error)
	Health(ctx context.Context) (queue.HealthSummary, error)
}

// Waker notifies the processor for a promoted item.
type Waker interface {
	Fire(ctx context.Context, t dispatch.Trigger) bool
}

// Coordinator implements the global operation queue.
type Coordinator struct {
	cfg     *config.Config
	store   Store
	waker   Waker
	logger  *slog.Logger
	sampler *logging.ProgressSampler
	now     func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for stale cutoffs and error log
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Coordinator. waker may be nil, in which case promoted
// items wait for the periodic trigger.
func New(cfg *config.Config, store Store, waker Waker, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		waker:   waker,
		logger:  logging.NewComponentLogger(logger, "coordinator"),
		sampler: logging.NewProgressSampler(10),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classification returns the configured classification for opType.
func (c *Coordinator) Classification(opType string) queue.Classification {
	return queue.ParseClassification(c.cfg.OperationFor(opType).Classification)
}

// Enqueue records a new operation. A major operation starts running when its
// type is idle and is queued otherwise; a minor operation always runs.
func (c *Coordinator) Enqueue(ctx context.Context, opType string, opContext map[string]any) (*queue.Item, error) {
	opType = strings.TrimSpace(opType)
	if opType == "" {
		return nil, services.Wrap(services.ErrValidation, "coordinator", "enqueue", "operation type is required", nil)
	}
	item, err := c.store.Insert(ctx, queue.NewItem{
		OperationType:  opType,
		Classification: c.Classification(opType),
		Context:        opContext,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", opType, err)
	}
	c.itemLogger(ctx, item).Info("operation enqueued",
		logging.String(logging.FieldEventType, "operation_enqueued"),
		logging.String("status", string(item.Status)),
		logging.String("classification", string(item.Classification)),
	)
	return item, nil
}

// IsPaused reports whether opType has a paused item. Workers poll this
// between units of work.
func (c *Coordinator) IsPaused(ctx context.Context, opType string) (bool, error) {
	item, err := c.store.FindByStatus(ctx, opType, queue.StatusPaused)
	if err != nil {
		return false, fmt.Errorf("check paused %s: %w", opType, err)
	}
	return item != nil, nil
}

// Pause moves the running item of opType to paused.
func (c *Coordinator) Pause(ctx context.Context, opType string) (*queue.Item, error) {
	return c.move(ctx, opType, queue.StatusRunning, queue.StatusPaused, "operation paused")
}

// Resume moves the paused item of opType back to running.
func (c *Coordinator) Resume(ctx context.Context, opType string) (*queue.Item, error) {
	return c.move(ctx, opType, queue.StatusPaused, queue.StatusRunning, "operation resumed")
}

func (c *Coordinator) move(ctx context.Context, opType string, from, to queue.Status, msg string) (*queue.Item, error) {
	item, err := c.store.FindByStatus(ctx, opType, from)
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", from, opType, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: no %s %s operation", ErrNoActiveOperation, from, opType)
	}
	ok, err := c.store.Transition(ctx, item.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", to, opType, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %s operation changed concurrently", ErrNoActiveOperation, from, opType)
	}
	item.Status = to
	c.itemLogger(ctx, item).Info(msg, logging.String(logging.FieldEventType, "operation_"+string(to)))
	return item, nil
}

// CompleteOperation finishes the running item of opType with final, which
// must be completed or failed. The stale sweep and the drain run afterwards
// whether or not an item was running; their failures are only logged.
func (c *Coordinator) CompleteOperation(ctx context.Context, opType string, final queue.Status) error {
	if !final.IsTerminal() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, final)
	}
	item, err := c.store.FindByStatus(ctx, opType, queue.StatusRunning)
	if err != nil {
		err = fmt.Errorf("find running %s: %w", opType, err)
	} else if item == nil {
		c.logger.Debug("no running operation to complete", logging.OperationType(opType))
	} else {
		err = c.finish(ctx, item, final)
	}
	c.afterCompletion(ctx)
	return err
}

// CompleteItem finishes the item with id when it is running or paused.
// Workers that were woken with a queue id use this instead of
// CompleteOperation. A non-empty opType must match the item's type.
func (c *Coordinator) CompleteItem(ctx context.Context, opType, id string, final queue.Status) error {
	if !final.IsTerminal() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, final)
	}
	item, err := c.store.GetByID(ctx, id)
	switch {
	case err != nil:
		err = fmt.Errorf("get item %s: %w", id, err)
	case item == nil:
		err = fmt.Errorf("complete %s: %w", id, queue.ErrNotFound)
	case opType != "" && item.OperationType != opType:
		err = fmt.Errorf("%w: item %s belongs to %s", ErrNoActiveOperation, id, item.OperationType)
	case item.Status != queue.StatusRunning && item.Status != queue.StatusPaused:
		err = fmt.Errorf("%w: item %s is %s", ErrNoActiveOperation, id, item.Status)
	default:
		err = c.finish(ctx, item, final)
	}
	c.afterCompletion(ctx)
	return err
}

func (c *Coordinator) finish(ctx context.Context, item *queue.Item, final queue.Status) error {
	ok, err := c.store.Transition(ctx, item.ID, item.Status, final)
	if err != nil {
		return fmt.Errorf("complete %s: %w", item.OperationType, err)
	}
	logger := c.itemLogger(ctx, item)
	if !ok {
		logger.Info("operation changed before completion; leaving as is",
			logging.String(logging.FieldEventType, "operation_complete_skipped"),
		)
		return nil
	}
	c.sampler.Forget(item.ID)
	logger.Info("operation finished",
		logging.String(logging.FieldEventType, "operation_"+string(final)),
		logging.Int("completed_items", item.CompletedItems),
		logging.Int("failed_items", item.FailedItems),
		logging.Int("total_items", item.TotalItems),
	)
	return nil
}

func (c *Coordinator) afterCompletion(ctx context.Context) {
	if _, err := c.RecoverStaleOperations(ctx); err != nil {
		logging.WarnWithContext(c.logger, "stale sweep after completion failed", "stale_sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale operations stay running until the next sweep"),
		)
	}
	if _, err := c.DrainNextQueuedOperation(ctx); err != nil {
		logging.WarnWithContext(c.logger, "drain after completion failed", "drain_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "queued operations wait for the periodic trigger"),
		)
	}
}

// Status returns the active (running, else paused) item of opType, or nil.
func (c *Coordinator) Status(ctx context.Context, opType string) (*queue.Item, error) {
	for _, status := range []queue.Status{queue.StatusRunning, queue.StatusPaused} {
		item, err := c.store.FindByStatus(ctx, opType, status)
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", opType, err)
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, nil
}

// Get returns the item with id, or nil.
func (c *Coordinator) Get(ctx context.Context, id string) (*queue.Item, error) {
	return c.store.GetByID(ctx, id)
}

// List returns items matching filter.
func (c *Coordinator) List(ctx context.Context, filter queue.ListFilter) ([]*queue.Item, error) {
	return c.store.List(ctx, filter)
}

// Health summarizes queue counts.
func (c *Coordinator) Health(ctx context.Context) (queue.HealthSummary, error) {
	return c.store.Health(ctx)
}

func (c *Coordinator) itemLogger(ctx context.Context, item *queue.Item) *slog.Logger {
	if item == nil {
		return logging.WithContext(ctx, c.logger)
	}
	ctx = services.WithOperationType(ctx, item.OperationType)
	ctx = services.WithQueueID(ctx, item.ID)
	return logging.WithContext(ctx, c.logger)
}
