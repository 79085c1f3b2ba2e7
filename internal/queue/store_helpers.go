package queue

import (
	"encoding/json"
	"errors"
	"time"
)

const itemColumns = "id, operation_type, status, classification, total_items, completed_items, failed_items, error_log, context_json, queued_at, started_at, completed_at, updated_at"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id             string
		operationType  string
		statusStr      string
		classification string
		total          int
		completed      int
		failed         int
		errorLogRaw    string
		contextRaw     string
		queuedRaw      string
		startedRaw     *string
		completedRaw   *string
		updatedRaw     string
	)

	if err := scanner.Scan(
		&id,
		&operationType,
		&statusStr,
		&classification,
		&total,
		&completed,
		&failed,
		&errorLogRaw,
		&contextRaw,
		&queuedRaw,
		&startedRaw,
		&completedRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:             id,
		OperationType:  operationType,
		Status:         Status(statusStr),
		Classification: Classification(classification),
		TotalItems:     total,
		CompletedItems: completed,
		FailedItems:    failed,
		ErrorLog:       decodeErrorLog(errorLogRaw),
		Context:        decodeContext(contextRaw),
	}
	if queued, err := parseTimeString(queuedRaw); err == nil {
		item.QueuedAt = queued
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		item.UpdatedAt = updated
	}
	item.StartedAt = parseOptionalTime(startedRaw)
	item.CompletedAt = parseOptionalTime(completedRaw)
	return item, nil
}

func decodeErrorLog(raw string) []ErrorEntry {
	if raw == "" {
		return nil
	}
	var entries []ErrorEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}

func encodeErrorLog(entries []ErrorEntry) (string, error) {
	if len(entries) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeContext(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// EncodeContext marshals an operation context as a JSON object.
func EncodeContext(ctx map[string]any) (string, error) {
	if len(ctx) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseOptionalTime(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	t, err := parseTimeString(*raw)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
