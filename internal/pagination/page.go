// Package pagination holds the cursor and page helpers shared by the event
// log readers.
package pagination

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor marks malformed pagination input: a caller error, distinct
// from store failures.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ClampLimit normalizes a requested page size: non-positive values fall back
// to DefaultLimit and oversized requests are capped at MaxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Trim implements limit+1 "has more" detection: items is expected to hold up
// to limit+1 entries; anything past limit signals another page.
func Trim[T any](items []T, limit int) ([]T, bool) {
	if limit <= 0 || len(items) <= limit {
		return items, false
	}
	return items[:limit], true
}

// ParseAfterSequence parses a sequence cursor from its query-string form. An
// empty value means "from the beginning". Non-numeric or negative input
// yields ErrInvalidCursor.
func ParseAfterSequence(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	sequence, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sequence < 0 {
		return 0, ErrInvalidCursor
	}
	return sequence, nil
}

// ParseLimit parses a page-size parameter and clamps it. Empty input selects
// the default; non-numeric input yields ErrInvalidCursor.
func ParseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return ClampLimit(limit), nil
}
