// Package parse extracts structure from agent and user replies that mix
// prose with JSON. Parsing is staged: a strict unmarshal of the whole
// reply, then a lenient bracket-matched extraction, then free text. No
// single strategy is assumed to suffice.
package parse

import (
	"encoding/json"
	"strings"
)

// Strategy records which stage produced the result.
type Strategy string

const (
	StrategyStrict    Strategy = "strict"
	StrategyExtracted Strategy = "extracted"
	StrategyFreeText  Strategy = "freetext"
)

// Reply is the recognized shape of a structured reply. Every field is
// optional; unknown fields are ignored rather than rejected.
type Reply struct {
	Goals       []string `json:"goals,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Preferences []string `json:"preferences,omitempty"`
	Decisions   []string `json:"decisions,omitempty"`
	Questions   []string `json:"questions,omitempty"`
	Approved    *bool    `json:"approved,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// Structured reports whether any recognized field was populated.
func (r Reply) Structured() bool {
	return len(r.Goals) > 0 || len(r.Constraints) > 0 || len(r.Preferences) > 0 ||
		len(r.Decisions) > 0 || len(r.Questions) > 0 || r.Approved != nil
}

// ParseReply runs the stages in order. A free-text result means the
// caller should treat the whole reply as prose and re-prompt for
// clarification if structure was required.
func ParseReply(raw string) (Reply, Strategy) {
	trimmed := strings.TrimSpace(raw)

	var r Reply
	if err := json.Unmarshal([]byte(trimmed), &r); err == nil && r.Structured() {
		return r, StrategyStrict
	}

	if candidate, ok := extractJSON(trimmed); ok {
		r = Reply{}
		if err := json.Unmarshal([]byte(candidate), &r); err == nil && r.Structured() {
			return r, StrategyExtracted
		}
	}

	return Reply{Message: raw}, StrategyFreeText
}

// extractJSON returns the first balanced top-level JSON object in the
// text. Brace matching skips string literals and escapes so prose with
// braces does not confuse it.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
