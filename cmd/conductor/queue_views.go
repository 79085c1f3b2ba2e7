package main

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"conductor/internal/queue"
)

const displayTimeLayout = "2006-01-02 15:04:05"

func buildQueueListRows(items []*queue.Item, colorize bool) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.OperationType,
			string(item.Classification),
			colorizeStatus(item.Status, colorize),
			formatProgress(item.Counters()),
			formatDisplayTime(&item.QueuedAt),
			formatDisplayTime(item.StartedAt),
		})
	}
	return rows
}

func buildHealthRows(summary queue.HealthSummary) [][]string {
	counts := []struct {
		status queue.Status
		count  int
	}{
		{queue.StatusQueued, summary.Queued},
		{queue.StatusRunning, summary.Running},
		{queue.StatusPaused, summary.Paused},
		{queue.StatusCompleted, summary.Completed},
		{queue.StatusFailed, summary.Failed},
	}
	rows := make([][]string, 0, len(counts)+1)
	for _, c := range counts {
		if c.count == 0 {
			continue
		}
		rows = append(rows, []string{formatStatusLabel(string(c.status)), fmt.Sprintf("%d", c.count)})
	}
	rows = append(rows, []string{"Total", fmt.Sprintf("%d", summary.Total)})
	return rows
}

func buildItemDetails(item *queue.Item, colorize bool) [][2]string {
	pairs := [][2]string{
		{"ID", item.ID},
		{"Operation", item.OperationType},
		{"Classification", string(item.Classification)},
		{"Status", colorizeStatus(item.Status, colorize)},
		{"Progress", formatProgress(item.Counters())},
		{"Queued", formatDisplayTime(&item.QueuedAt)},
		{"Started", formatDisplayTime(item.StartedAt)},
		{"Completed", formatDisplayTime(item.CompletedAt)},
	}
	if len(item.Context) > 0 {
		keys := make([]string, 0, len(item.Context))
		for k, v := range item.Context {
			keys = append(keys, fmt.Sprintf("%s=%v", k, v))
		}
		slices.Sort(keys)
		pairs = append(pairs, [2]string{"Context", strings.Join(keys, ", ")})
	}
	for i, entry := range item.ErrorLog {
		label := ""
		if i == 0 {
			label = fmt.Sprintf("Errors (%d)", len(item.ErrorLog))
		}
		line := entry.Error
		if entry.ItemID != "" {
			line = entry.ItemID + ": " + line
		}
		pairs = append(pairs, [2]string{label, line})
	}
	return pairs
}

func formatProgress(c queue.Counters) string {
	processed := c.Completed + c.Failed
	if c.Total <= 0 {
		if processed == 0 {
			return "-"
		}
		return fmt.Sprintf("%d done, %d failed", c.Completed, c.Failed)
	}
	return fmt.Sprintf("%d/%d (%.0f%%, %d failed)", processed, c.Total, c.Percent(), c.Failed)
}

func formatDisplayTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(displayTimeLayout)
}
