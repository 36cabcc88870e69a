// Package reconciler rebuilds workflow position from remote issue
// comments when the local store falls behind the source of truth.
package reconciler

import (
	"regexp"
	"strings"
)

// Comment is one remote issue comment, as returned by an IssuePlatform.
type Comment struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"` // RFC3339; kept as string so callers can sort without re-parsing
	URL       string `json:"url"`
}

// Signal is a parsed structured completion comment: an agent announcing
// it finished its step and which agent should run next, e.g.
//
//	## Implement Change Complete — developer
//
//	Ready for **@Reviewer**
//
//	summary: fixed the null pointer
//	key_findings: race in the retry path
type Signal struct {
	CompletedAgent string
	NextAgent      string
	CommentID      string
	Summary        string
	KeyFindings    []string
	CreatedAt      string
}

// headerPattern matches the "## <verb phrase> Complete — <agent>"
// header line, tolerating a leading emoji (completion comments often
// prefix one, e.g. "## 🔨 Implement Change Complete —
// developer").
var headerPattern = regexp.MustCompile(`(?m)^##\s*.*\bComplete\s*[—-]\s*(\S+)\s*$`)

// readyForPattern matches "Ready for **@<Agent>**" anywhere in the body.
var readyForPattern = regexp.MustCompile(`Ready for \*\*@([A-Za-z0-9_-]+)\*\*`)

// kvPattern matches a trailing "key: value" line used to carry
// structured outputs (summary, key_findings, or custom fields).
var kvPattern = regexp.MustCompile(`(?m)^([a-z_]+):\s*(.+)$`)

// ParseSignal extracts a Signal from a single comment body, or reports
// ok=false if the body does not contain a structured completion header.
// A "Ready for **@Agent**" line with no structured header is
// deliberately NOT treated as a signal; malformed comments are
// ignored.
func ParseSignal(c Comment) (Signal, bool) {
	headerMatch := headerPattern.FindStringSubmatch(c.Body)
	if headerMatch == nil {
		return Signal{}, false
	}

	sig := Signal{
		CompletedAgent: strings.TrimSpace(headerMatch[1]),
		CommentID:      c.ID,
		CreatedAt:      c.CreatedAt,
	}

	if readyMatch := readyForPattern.FindStringSubmatch(c.Body); readyMatch != nil {
		sig.NextAgent = readyMatch[1]
	}

	for _, kv := range kvPattern.FindAllStringSubmatch(c.Body, -1) {
		key, value := kv[1], strings.TrimSpace(kv[2])
		switch key {
		case "summary":
			sig.Summary = value
		case "key_findings":
			sig.KeyFindings = splitFindings(value)
		}
	}

	return sig, true
}

func splitFindings(value string) []string {
	parts := strings.Split(value, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseSignals extracts every structured Signal from comments, skipping
// malformed entries, preserving the input order (callers are expected
// to pass comments already sorted chronologically).
func ParseSignals(comments []Comment) []Signal {
	signals := make([]Signal, 0, len(comments))
	for _, c := range comments {
		if sig, ok := ParseSignal(c); ok {
			signals = append(signals, sig)
		}
	}
	return signals
}
