package storage

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeKey converts a natural key value to a canonical string form,
// suitable for in-memory lookup maps (e.g. "A1" or "7301234").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps key sets consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// FormatTime formats a time as RFC3339Nano in UTC, the text form used by
// backends without a native timestamp type.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses timestamps stored as text.
//
// Supported formats:
//   - RFC3339Nano (what FormatTime writes)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
