package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"conductor/internal/api"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/notifications"
	"conductor/internal/queue"
	"conductor/internal/queueaccess"
)

// Daemon runs the periodic sweep and the HTTP API and enforces
// single-instance execution per data directory.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *queueaccess.Session
	api     *apiServer
	notify  notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group

	lastSweep atomic.Pointer[SweepResult]
}

// SweepResult describes one pass of the fallback trigger.
type SweepResult struct {
	At        time.Time
	Skipped   bool
	Recovered int
	Promoted  []*queue.Item
	Err       error
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	LockFilePath string
	APIAddress   string
	LastSweep    *SweepResult
	Queue        queue.HealthSummary
}

// New constructs a daemon over an opened backend session.
func New(cfg *config.Config, session *queueaccess.Session, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || session == nil || session.Coordinator == nil {
		return nil, errors.New("daemon requires config and an opened backend session")
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		session:  session,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		notify:   notifications.NewService(cfg),
	}
	srv := api.New(cfg, api.Deps{
		Coordinator: session.Coordinator,
		Limiter:     session.Limiter,
		States:      session.States,
		Breakers:    session.Breakers,
	}, logger)
	d.api = newAPIServer(cfg.API.Bind, srv, logger)
	return d, nil
}

// Start acquires the daemon lock, starts the API server, and launches the
// sweep loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conductor daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		d.sweepLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		d.api.runJanitor(groupCtx)
		return nil
	})

	d.cancel = cancel
	d.group = group
	d.running.Store(true)
	d.logger.Info("conductor daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Duration("sweep_interval", d.cfg.SweepInterval()),
	)
	return nil
}

// Stop stops background work and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.cancel()
	_ = d.group.Wait()
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_lock_release_failed"),
		)
	}
	d.cancel = nil
	d.group = nil
	d.running.Store(false)
	d.logger.Info("conductor daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon. The backend session stays owned by the caller.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
		APIAddress:   d.api.address(),
		LastSweep:    d.lastSweep.Load(),
	}
	if summary, err := d.session.Coordinator.Health(ctx); err == nil {
		status.Queue = summary
	} else {
		d.logger.Debug("queue health unavailable", logging.Error(err))
	}
	return status
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	interval := d.cfg.SweepInterval()
	if interval <= 0 {
		d.logger.Info("periodic sweep disabled", logging.String(logging.FieldEventType, "sweep_disabled"))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs the fallback trigger: stale recovery followed by draining
// every type that can start. On shared backends only the process holding the
// cluster sweep lock does the work.
func (d *Daemon) SweepOnce(ctx context.Context) SweepResult {
	result := d.sweep(ctx)
	d.lastSweep.Store(&result)
	return result
}

func (d *Daemon) sweep(ctx context.Context) SweepResult {
	result := SweepResult{At: time.Now().UTC()}
	if leader := d.session.Leader; leader != nil {
		release, ok, err := leader(ctx)
		if err != nil {
			result.Err = err
			logging.WarnWithContext(d.logger, "sweep leader check failed", "sweep_leader_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "this process skips the sweep until the next tick"),
			)
			return result
		}
		if !ok {
			result.Skipped = true
			d.logger.Debug("another process holds the sweep lock")
			return result
		}
		defer release()
	}

	recovered, err := d.session.Coordinator.RecoverStaleOperations(ctx)
	result.Recovered = recovered
	if err != nil {
		result.Err = err
		logging.WarnWithContext(d.logger, "periodic stale sweep failed", "stale_sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale operations stay running until the next sweep"),
		)
	}
	promoted, err := d.session.Coordinator.DrainAll(ctx, 0)
	result.Promoted = promoted
	if err != nil && !errors.Is(err, context.Canceled) {
		result.Err = errors.Join(result.Err, err)
		logging.WarnWithContext(d.logger, "periodic drain failed", "drain_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "queued operations wait for the next sweep"),
		)
	}
	if recovered > 0 || len(promoted) > 0 {
		d.logger.Info("periodic sweep finished",
			logging.String(logging.FieldEventType, "sweep_finished"),
			logging.Int("recovered", recovered),
			logging.Int("promoted", len(promoted)),
		)
	}
	d.notifySweep(ctx, result)
	return result
}

func (d *Daemon) notifySweep(ctx context.Context, result SweepResult) {
	var err error
	switch {
	case result.Recovered > 0:
		err = d.notify.NotifyStaleRecovered(ctx, result.Recovered, len(result.Promoted))
	case len(result.Promoted) > 0:
		types := make([]string, 0, len(result.Promoted))
		for _, item := range result.Promoted {
			types = append(types, item.OperationType)
		}
		err = d.notify.NotifyDrainStarted(ctx, types)
	}
	if result.Err != nil && !errors.Is(result.Err, context.Canceled) {
		err = errors.Join(err, d.notify.NotifyError(ctx, result.Err, "queue sweep"))
	}
	if err != nil {
		d.logger.Warn("sweep notification failed",
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.Error(err),
		)
	}
}
