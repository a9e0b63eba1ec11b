// Package ids generates the identifier and timestamp formats used across
// the governance tables.
package ids

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the canonical UTC timestamp format: ISO-8601 with
// millisecond precision. Every created_at/updated_at column uses it.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp returns the current UTC time in the canonical format.
func Timestamp() string {
	return FormatTime(time.Now())
}

// FormatTime renders t as a canonical UTC timestamp string.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime parses a canonical timestamp. RFC3339 variants with more or
// less sub-second precision are accepted for compatibility.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// randSuffix returns n lowercase alphanumeric characters derived from a
// fresh UUID. Hex output satisfies the lowercase-alnum contract.
func randSuffix(n int) string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// NewTaskID returns a task ID of the form
// gov-<YYYYMMDD>T<HHMMSS>Z-<6 lowercase alnum>. The wall-clock component
// is UTC; uniqueness is ultimately enforced by the tasks primary key, and
// callers retry on collision.
func NewTaskID(now time.Time) string {
	return "gov-" + now.UTC().Format("20060102T150405Z") + "-" + randSuffix(6)
}

// NewDodItemID returns a stable checklist-item ID: dod-<random>.
// Clients may carry these across renames and reorders.
func NewDodItemID() string {
	return "dod-" + randSuffix(8)
}

// NewTopicID returns a chat topic ID: topic-<random>.
func NewTopicID() string {
	return "topic-" + randSuffix(8)
}

// NewRequestID returns an external-call request ID.
func NewRequestID() string {
	return "req_" + randSuffix(12)
}
