package queue

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when an item lookup by id matches nothing.
var ErrNotFound = errors.New("queue item not found")

const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

// isUniqueViolation reports whether err came from the single-flight index (or
// any other uniqueness constraint).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		switch coder.Code() {
		case sqliteConstraintUnique, sqliteConstraintPrimaryKey:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
