package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/api"
	"conductor/internal/coordinator"
	"conductor/internal/queue"
	"conductor/internal/queueaccess"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage coordinated operations",
	}

	queueCmd.AddCommand(newQueueEnqueueCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueuePauseCommand(ctx))
	queueCmd.AddCommand(newQueueResumeCommand(ctx))
	queueCmd.AddCommand(newQueueCompleteCommand(ctx))
	queueCmd.AddCommand(newQueueProgressCommand(ctx))
	queueCmd.AddCommand(newQueueSweepCommand(ctx))
	queueCmd.AddCommand(newQueueDrainCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))
	queueCmd.AddCommand(newQueueRequeueCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueEnqueueCommand(ctx *commandContext) *cobra.Command {
	var contextJSON string
	var fields []string

	cmd := &cobra.Command{
		Use:   "enqueue <operation-type>",
		Short: "Record an operation; it runs now or waits its turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opContext, err := parseOperationContext(contextJSON, fields)
			if err != nil {
				return err
			}
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				item, err := s.Coordinator.Enqueue(cmd.Context(), args[0], opContext)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.EnqueueResponse{ID: item.ID, Status: string(item.Status), Item: api.FromQueueItem(item)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", item.OperationType, item.ID, item.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&contextJSON, "context", "", "Operation context as a JSON object")
	cmd.Flags().StringArrayVar(&fields, "set", nil, "Context field as key=value (repeatable)")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var opType string
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := queue.ListFilter{OperationType: strings.TrimSpace(opType), Limit: limit}
			for _, raw := range statuses {
				status, ok := queue.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				items, err := s.Coordinator.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.OperationListResponse{Items: api.FromQueueItems(items)})
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Operation", "Class", "Status", "Progress", "Queued", "Started"},
					buildQueueListRows(items, shouldColorize(out)),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opType, "type", "t", "", "Filter by operation type")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of items")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <queue-id>",
		Short: "Show one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				item, err := s.Coordinator.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if item == nil {
					return fmt.Errorf("queue item %s not found", args[0])
				}
				return printItem(cmd, ctx, item)
			})
		},
	}
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <operation-type>",
		Short: "Show the running or paused operation of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				item, err := s.Coordinator.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if item == nil {
					if ctx.jsonOutput() {
						return writeJSON(cmd, map[string]any{"item": nil})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "No active %s operation\n", args[0])
					return nil
				}
				return printItem(cmd, ctx, item)
			})
		},
	}
}

func newQueuePauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <operation-type>",
		Short: "Pause the running operation of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				item, err := s.Coordinator.Pause(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTransition(cmd, ctx, item, "Paused")
			})
		},
	}
}

func newQueueResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <operation-type>",
		Short: "Resume the paused operation of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				item, err := s.Coordinator.Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTransition(cmd, ctx, item, "Resumed")
			})
		},
	}
}

func newQueueCompleteCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string
	var queueID string

	cmd := &cobra.Command{
		Use:   "complete <operation-type>",
		Short: "Finish the running operation and start the next waiting one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			final := queue.Status(strings.ToLower(strings.TrimSpace(statusFlag)))
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				var err error
				if id := strings.TrimSpace(queueID); id != "" {
					err = s.Coordinator.CompleteItem(cmd.Context(), args[0], id, final)
				} else {
					err = s.Coordinator.CompleteOperation(cmd.Context(), args[0], final)
				}
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]string{"operationType": args[0], "status": string(final)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Marked %s %s\n", args[0], final)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", string(queue.StatusCompleted), "Final status: completed or failed")
	cmd.Flags().StringVar(&queueID, "id", "", "Complete this queue item instead of the type's running item")
	return cmd
}

func newQueueProgressCommand(ctx *commandContext) *cobra.Command {
	var queueID string
	var completed, failed, total int
	var errMsg, errItem string

	cmd := &cobra.Command{
		Use:   "progress <operation-type>",
		Short: "Report worker progress for the running operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				opType := args[0]
				if cmd.Flags().Changed("total") {
					s.Coordinator.SetTotal(cmd.Context(), opType, queueID, total)
				}
				p := coordinator.Progress{QueueID: queueID, CompletedDelta: completed, FailedDelta: failed}
				if strings.TrimSpace(errMsg) != "" {
					p.Error = &queue.ErrorEntry{ItemID: errItem, Error: errMsg, Timestamp: time.Now().UTC()}
				}
				s.Coordinator.UpdateProgress(cmd.Context(), opType, p)

				var item *queue.Item
				var err error
				if queueID != "" {
					item, err = s.Coordinator.Get(cmd.Context(), queueID)
				} else {
					item, err = s.Coordinator.Status(cmd.Context(), opType)
				}
				if err != nil {
					return err
				}
				if item == nil {
					if ctx.jsonOutput() {
						return writeJSON(cmd, map[string]any{"item": nil})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "No active %s operation; progress ignored\n", opType)
					return nil
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.OperationResponse{Item: api.FromQueueItem(item)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", item.OperationType, item.ID, formatProgress(item.Counters()))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&queueID, "id", "", "Queue item to update (defaults to the earliest running item)")
	cmd.Flags().IntVar(&completed, "completed", 0, "Completed work units to add")
	cmd.Flags().IntVar(&failed, "failed", 0, "Failed work units to add")
	cmd.Flags().IntVar(&total, "total", 0, "Set the total number of work units")
	cmd.Flags().StringVar(&errMsg, "error", "", "Append an error message to the item's error log")
	cmd.Flags().StringVar(&errItem, "error-item", "", "Work unit id the error refers to")
	return cmd
}

func newQueueSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail operations that stopped reporting and start waiting ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				recovered, err := s.Coordinator.RecoverStaleOperations(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.SweepResponse{Recovered: recovered})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d stale operations\n", recovered)
				return nil
			})
		},
	}
}

func newQueueDrainCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Start waiting operations whose type is idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				promoted, err := s.Coordinator.DrainAll(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.DrainResponse{Promoted: api.FromQueueItems(promoted)})
				}
				out := cmd.OutOrStdout()
				if len(promoted) == 0 {
					fmt.Fprintln(out, "Nothing to start")
					return nil
				}
				for _, item := range promoted {
					fmt.Fprintf(out, "Started %s %s\n", item.OperationType, item.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum promotions (0 means one per operation type)")
	return cmd
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show item counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				summary, err := s.Coordinator.Health(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, api.FromHealth(summary))
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Status", "Count"},
					buildHealthRows(summary),
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func newQueueRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [queue-id...]",
		Short: "Move failed items back to queued (all failed items when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				updated, err := s.Queue.RequeueFailed(cmd.Context(), args...)
				if err != nil {
					return err
				}
				promoted, err := s.Coordinator.DrainAll(cmd.Context(), 0)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"requeued": updated, "promoted": api.FromQueueItems(promoted)})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed items, started %d\n", updated, len(promoted))
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove completed and failed items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *queueaccess.Session) error {
				removed, err := s.Queue.ClearTerminal(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]int64{"removed": removed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d finished items\n", removed)
				return nil
			})
		},
	}
}

func printItem(cmd *cobra.Command, ctx *commandContext, item *queue.Item) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, api.OperationResponse{Item: api.FromQueueItem(item)})
	}
	out := cmd.OutOrStdout()
	fmt.Fprint(out, renderDetails(buildItemDetails(item, shouldColorize(out))))
	return nil
}

func printTransition(cmd *cobra.Command, ctx *commandContext, item *queue.Item, verb string) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, api.OperationResponse{Item: api.FromQueueItem(item)})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", verb, item.OperationType, item.ID)
	return nil
}

// parseOperationContext merges a JSON object with key=value overrides.
// Values given with --set are kept as strings.
func parseOperationContext(raw string, fields []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("parse --context: %w", err)
		}
	}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.New("--set expects key=value")
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
