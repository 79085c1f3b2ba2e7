package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/api"
	"conductor/internal/daemonrun"
	"conductor/internal/logs"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or probe the conductor daemon",
	}

	daemonCmd.AddCommand(newDaemonRunCommand(ctx))
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))
	daemonCmd.AddCommand(newDaemonLogsCommand(ctx))

	return daemonCmd
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var development bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := daemonrun.Options{Development: development}
			if ctx.logLevelFlag != nil {
				opts.LogLevel = *ctx.logLevelFlag
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in logs")
	return cmd
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon API answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			bind := strings.TrimSpace(cfg.API.Bind)
			if bind == "" {
				return errors.New("api.bind is not configured")
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			health, err := fetchHealth(cmd.Context(), "http://"+bind, timeout)
			if err != nil {
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"running": false, "address": bind, "error": err.Error()})
				}
				fmt.Fprintln(out, renderStatusLine("Daemon", statusError, fmt.Sprintf("not reachable at %s", bind), colorize))
				return nil
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"running": true, "address": bind, "health": health})
			}
			fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, fmt.Sprintf("listening on %s", bind), colorize))
			for _, key := range []string{"running", "paused", "queued", "failed"} {
				kind := statusInfo
				if key == "failed" && health.Counts[key] > 0 {
					kind = statusWarn
				}
				fmt.Fprintln(out, renderStatusLine(formatStatusLabel(key), kind, fmt.Sprintf("%d", health.Counts[key]), colorize))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Request timeout")
	return cmd
}

func fetchHealth(ctx context.Context, baseURL string, timeout time.Duration) (api.HealthResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return api.HealthResponse{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return api.HealthResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return api.HealthResponse{}, fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return api.HealthResponse{}, fmt.Errorf("decode health: %w", err)
	}
	return health, nil
}

func newDaemonLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var grep string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print or follow the daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := logs.CurrentPath(cfg.Paths.LogDir)
			out := cmd.OutOrStdout()
			emit := func(batch []string) error {
				for _, line := range batch {
					if _, err := fmt.Fprintln(out, line); err != nil {
						return err
					}
				}
				return nil
			}
			opts := logs.Options{Offset: -1, Lines: lines, Contains: grep}
			if follow {
				return logs.Follow(cmd.Context(), path, opts, emit)
			}
			chunk, err := logs.Tail(cmd.Context(), path, opts)
			if err != nil {
				return err
			}
			if len(chunk.Lines) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "No log lines at %s\n", path)
				return nil
			}
			return emit(chunk.Lines)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until interrupted")
	cmd.Flags().StringVar(&grep, "grep", "", "Only show lines containing this text")
	return cmd
}
