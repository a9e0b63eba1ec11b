// Package notify parses @group mentions out of comment text and shapes
// the notification rows the engine fans out.
package notify

import (
	"regexp"

	"opsplane/internal/policy"
)

// mentionPattern captures @<name> tokens. Which names count is decided
// against the group registry, so unknown mentions are silently ignored.
var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)

// SnippetMax is the notification snippet length cap.
const SnippetMax = 200

// ParseMentions returns the distinct known groups mentioned in text, in
// first-occurrence order.
func ParseMentions(text string, groups *policy.Registry) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		name := m[1]
		if seen[name] || !groups.Known(name) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Snippet returns the first SnippetMax characters of text.
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= SnippetMax {
		return text
	}
	return string(runes[:SnippetMax])
}
