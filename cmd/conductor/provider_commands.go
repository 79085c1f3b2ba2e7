package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/api"
	"conductor/internal/config"
	"conductor/internal/queueaccess"
	"conductor/internal/ratelimit"
)

func newProviderCommand(ctx *commandContext) *cobra.Command {
	providerCmd := &cobra.Command{
		Use:   "provider",
		Short: "Inspect and signal third-party provider rate limits",
	}

	providerCmd.AddCommand(newProviderStatusCommand(ctx))
	providerCmd.AddCommand(newProviderReportCommand(ctx))
	providerCmd.AddCommand(newProviderDelayCommand(ctx))
	providerCmd.AddCommand(newProviderCallCommand(ctx))

	return providerCmd
}

func newProviderStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [provider...]",
		Short: "Show backoff, concurrency, and limits per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				states, err := collectProviderStates(cmd.Context(), cfg, s, args)
				if err != nil {
					return err
				}
				statuses := make([]api.ProviderStatus, 0, len(states))
				for _, state := range states {
					avail := s.Limiter.CheckAvailability(cmd.Context(), state.Provider)
					statuses = append(statuses, api.FromProviderState(state, avail, s.Limiter.Limits(state.Provider)))
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.ProviderListResponse{Providers: statuses})
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(statuses))
				for _, st := range statuses {
					rows = append(rows, []string{
						st.Provider,
						providerVerdict(st, colorize),
						fmt.Sprintf("%d/%d", st.ConcurrentRequests, st.Limits.MaxConcurrent),
						orDash(st.BackoffUntil),
						fmt.Sprintf("%d", st.Limits.SoftLimitRPM),
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"Provider", "State", "In flight", "Backoff until", "Soft RPM"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func newProviderReportCommand(ctx *commandContext) *cobra.Command {
	var retryAfter time.Duration

	cmd := &cobra.Command{
		Use:   "report <provider>",
		Short: "Record a rate-limit signal so every worker backs off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				provider := strings.TrimSpace(args[0])
				until := s.Limiter.ReportRateLimit(cmd.Context(), provider, retryAfter)
				s.Limiter.Flush()
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.RateLimitResponse{Provider: provider, BackoffUntil: until.UTC().Format(time.RFC3339)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s backing off until %s\n", provider, until.UTC().Format(displayTimeLayout))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&retryAfter, "retry-after", 0, "Provider Retry-After value (defaults to the configured cooldown)")
	return cmd
}

func newProviderDelayCommand(ctx *commandContext) *cobra.Command {
	var recentErrors int

	cmd := &cobra.Command{
		Use:   "delay <provider>",
		Short: "Show the adaptive delay after recent errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			limiter := ratelimit.New(cfg, nil, ctx.logger(cfg))
			delay := limiter.AdaptiveDelay(args[0], recentErrors)
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"provider": args[0], "recentErrors": recentErrors, "delayMs": delay.Milliseconds()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s after %d errors: %s\n", args[0], recentErrors, delay)
			return nil
		},
	}

	cmd.Flags().IntVar(&recentErrors, "errors", 1, "Number of recent errors")
	return cmd
}

func newProviderCallCommand(ctx *commandContext) *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:   "call <provider> <url>",
		Short: "Send one request through the rate limiter, breaker, and retry guard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, target := args[0], args[1]
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				resp, err := s.Outbound.Do(cmd.Context(), provider, func(ctx context.Context) (*http.Response, error) {
					req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, nil)
					if err != nil {
						return nil, err
					}
					return http.DefaultClient.Do(req)
				})
				if err != nil {
					return fmt.Errorf("%s: %w", provider, err)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"provider": provider, "status": resp.StatusCode, "bytes": len(resp.Body)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d (%d bytes)\n", provider, resp.StatusCode, len(resp.Body))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	return cmd
}

// collectProviderStates returns states for the named providers, or for every
// configured provider plus any the store has seen.
func collectProviderStates(ctx context.Context, cfg *config.Config, s *queueaccess.Session, names []string) ([]ratelimit.State, error) {
	if len(names) > 0 {
		out := make([]ratelimit.State, 0, len(names))
		for _, name := range names {
			state, err := s.States.ProviderState(ctx, strings.TrimSpace(name))
			if err != nil {
				return nil, err
			}
			out = append(out, state)
		}
		return out, nil
	}

	stored, err := s.States.ProviderStates(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]ratelimit.State, len(stored)+len(cfg.Providers))
	for _, id := range cfg.ProviderIDs() {
		byName[id] = ratelimit.State{Provider: id}
	}
	for _, state := range stored {
		byName[state.Provider] = state
	}
	out := make([]ratelimit.State, 0, len(byName))
	for _, state := range byName {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func providerVerdict(st api.ProviderStatus, colorize bool) string {
	kind, label := statusOK, "available"
	switch {
	case !st.Available:
		kind, label = statusError, fmt.Sprintf("backoff %s", (time.Duration(st.RemainingMs) * time.Millisecond).Round(time.Second))
	case st.WaitRecommended:
		kind, label = statusWarn, "busy"
	}
	if colorize {
		return statusKindColor(kind) + label + ansiReset
	}
	return label
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
