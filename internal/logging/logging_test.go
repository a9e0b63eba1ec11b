package logging

import (
	"log/slog"
	"reflect"
	"testing"
)

func TestInitStripsLevelArgs(t *testing.T) {
	cases := []struct {
		in   []string
		want []string
	}{
		{[]string{"serve", "--log-level=debug", "-x"}, []string{"serve", "-x"}},
		{[]string{"-log-level", "warn", "run"}, []string{"run"}},
		{[]string{"serve"}, []string{"serve"}},
	}
	for _, c := range cases {
		if got := Init(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("Init(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug {
		t.Error("debug not recognised case-insensitively")
	}
	if parseLevel("warning") != slog.LevelWarn {
		t.Error("warning alias not recognised")
	}
	if parseLevel("loud") != slog.LevelInfo {
		t.Error("unknown level should fall back to info")
	}
}
