// Package daemonrun hosts the conductor daemon process lifecycle shared by
// the conductord binary and the `conductor daemon run` command.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"conductor/internal/config"
	"conductor/internal/daemon"
	"conductor/internal/logging"
	"conductor/internal/logs"
	"conductor/internal/queueaccess"
)

const pingTimeout = 5 * time.Second

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	LogFormat   string
	Development bool
}

// Run starts the conductor daemon and blocks until SIGINT, SIGTERM, or
// cancellation of cmdCtx.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("conductord-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	format := opts.LogFormat
	if format == "" {
		format = cfg.Logging.Format
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update conductord.log link: %v\n", err)
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "conductord.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	session, err := queueaccess.Open(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open backends", logging.Error(err))
		return err
	}
	defer session.Close()
	if err := session.Ping(signalCtx, pingTimeout); err != nil {
		return fmt.Errorf("ping queue backend: %w", err)
	}
	logConfigSnapshot(logger, cfg)

	d, err := daemon.New(cfg, session, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-signalCtx.Done()
	logger.Info("conductor daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := logs.CurrentPath(logDir)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("queue_backend", cfg.Store.Backend),
		logging.String("provider_state_backend", cfg.Store.ProviderState),
		logging.String("postgres_dsn", cfg.Store.PostgresDSN),
		logging.String("redis_addr", cfg.Store.RedisAddr),
		logging.Int("operation_types", len(cfg.Operations)),
		logging.Int("endpoints", len(queueaccess.Endpoints(cfg))),
		logging.Int("providers", len(cfg.Providers)),
		logging.Duration("stale_after", cfg.StaleAfter()),
		logging.Duration("sweep_interval", cfg.SweepInterval()),
		logging.String("api_bind", cfg.API.Bind),
		logging.Bool("api_token_set", cfg.API.Token != ""),
	)
}
