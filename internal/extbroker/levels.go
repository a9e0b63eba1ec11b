package extbroker

import (
	"encoding/json"
	"strings"

	"opsplane/internal/events"
)

// Access levels: 0 read-public, 1 read-scoped, 2 write-scoped,
// 3 high-risk.
const (
	LevelReadPublic  = 0
	LevelReadScoped  = 1
	LevelWriteScoped = 2
	LevelHighRisk    = 3
)

// actionPrefixLevels classifies an action by its verb. Unknown verbs are
// treated as writes so a typo can never widen access.
var actionPrefixLevels = []struct {
	prefix string
	level  int
}{
	{"list", LevelReadPublic},
	{"search", LevelReadPublic},
	{"get", LevelReadScoped},
	{"read", LevelReadScoped},
	{"fetch", LevelReadScoped},
	{"create", LevelWriteScoped},
	{"update", LevelWriteScoped},
	{"write", LevelWriteScoped},
	{"send", LevelWriteScoped},
	{"post", LevelWriteScoped},
	{"upload", LevelWriteScoped},
	{"delete", LevelHighRisk},
	{"destroy", LevelHighRisk},
	{"deploy", LevelHighRisk},
	{"transfer", LevelHighRisk},
	{"pay", LevelHighRisk},
	{"revoke", LevelHighRisk},
}

// RequiredLevel returns the minimum access level an action demands.
func RequiredLevel(action string) int {
	a := strings.ToLower(action)
	for _, p := range actionPrefixLevels {
		if strings.HasPrefix(a, p.prefix) {
			return p.level
		}
	}
	return LevelWriteScoped
}

// scrubResponse removes secret-looking keys from a JSON response body.
// Non-JSON payloads pass through unchanged.
func scrubResponse(data string) string {
	if data == "" {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return data
	}
	scrubbed, err := json.Marshal(events.Scrub(obj))
	if err != nil {
		return data
	}
	return string(scrubbed)
}
