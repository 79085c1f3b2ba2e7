package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/config"
	"conductor/internal/notifications"
	"conductor/internal/preflight"
	"conductor/internal/queueaccess"
)

type doctorCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail"`
}

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var budget time.Duration
	var notify bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories, backends, and processor endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var results []preflight.Result
			err = ctx.withSession(cmd, func(s *queueaccess.Session) error {
				results = preflight.RunAll(cmd.Context(), cfg, preflight.Targets{Queue: s.Queue, States: s.States}, budget)
				return nil
			})
			if err != nil {
				return err
			}
			if notify {
				results = append(results, checkNotifications(cmd, cfg))
			}

			if ctx.jsonOutput() {
				checks := make([]doctorCheck, 0, len(results))
				for _, r := range results {
					checks = append(checks, doctorCheck(r))
				}
				if err := writeJSON(cmd, checks); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintln(out, "Readiness:")
				for _, r := range results {
					kind := statusOK
					switch {
					case r.Skipped:
						kind = statusWarn
					case !r.Passed:
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
				}
			}

			if !preflight.Passed(results) {
				return fmt.Errorf("readiness checks failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&notify, "notify", false, "Also send a test notification to the configured ntfy topic")
	cmd.Flags().DurationVar(&budget, "timeout", 15*time.Second, "Total time allowed for backend and endpoint checks")
	return cmd
}

func checkNotifications(cmd *cobra.Command, cfg *config.Config) preflight.Result {
	result := preflight.Result{Name: "Notifications"}
	if cfg.Notifications.NtfyTopic == "" {
		result.Skipped = true
		result.Detail = "no ntfy topic configured"
		return result
	}
	if err := notifications.NewService(cfg).TestNotification(cmd.Context()); err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Passed = true
	result.Detail = "test notification sent"
	return result
}
