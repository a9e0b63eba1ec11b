package ids

import (
	"regexp"
	"testing"
	"time"
)

func TestNewTaskIDShape(t *testing.T) {
	now := time.Date(2026, 8, 26, 14, 30, 5, 0, time.UTC)
	id := NewTaskID(now)

	pattern := regexp.MustCompile(`^gov-20260826T143005Z-[a-z0-9]{6}$`)
	if !pattern.MatchString(id) {
		t.Errorf("task id %q does not match the expected shape", id)
	}
}

func TestNewTaskIDUsesUTC(t *testing.T) {
	loc := time.FixedZone("plus5", 5*3600)
	local := time.Date(2026, 8, 26, 19, 0, 0, 0, loc)
	id := NewTaskID(local)
	if id[:20] != "gov-20260826T140000Z" {
		t.Errorf("id %q should encode the UTC wall clock", id)
	}
}

func TestIDPrefixes(t *testing.T) {
	if got := NewDodItemID(); !regexp.MustCompile(`^dod-[a-z0-9]{8}$`).MatchString(got) {
		t.Errorf("dod id %q", got)
	}
	if got := NewTopicID(); !regexp.MustCompile(`^topic-[a-z0-9]{8}$`).MatchString(got) {
		t.Errorf("topic id %q", got)
	}
	if got := NewRequestID(); !regexp.MustCompile(`^req_[a-z0-9]{12}$`).MatchString(got) {
		t.Errorf("request id %q", got)
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	now := time.Now()
	for i := 0; i < 100; i++ {
		id := NewTaskID(now)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	in := time.Date(2026, 8, 26, 14, 30, 5, 123_000_000, time.UTC)
	s := FormatTime(in)
	if s != "2026-08-26T14:30:05.123Z" {
		t.Errorf("formatted %q", s)
	}

	out, err := ParseTime(s)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip %v != %v", out, in)
	}
}

func TestParseTimeAcceptsRFC3339Variants(t *testing.T) {
	for _, s := range []string{
		"2026-08-26T14:30:05Z",
		"2026-08-26T14:30:05.123456Z",
		"2026-08-26T14:30:05+02:00",
	} {
		if _, err := ParseTime(s); err != nil {
			t.Errorf("ParseTime(%q): %v", s, err)
		}
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("garbage timestamp should fail")
	}
}
