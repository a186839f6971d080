package generation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
)

// ParseOutput interprets a raw model reply. Free-text calls return the text
// unchanged. Structured calls accept a JSON object, optionally wrapped in a
// Markdown code fence or surrounded by prose; anything else falls back to
// text with a *ValidationError describing why.
func ParseOutput(raw string, structured bool) (Output, error) {
	if !structured {
		return Text(raw), nil
	}

	candidate := extractJSON(raw)
	if candidate == "" {
		return Text(raw), &ValidationError{Raw: raw, Err: errors.New("no JSON object found")}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(candidate), &m); err != nil {
		return Text(raw), &ValidationError{Raw: raw, Err: err}
	}
	return Output{Structured: m}, nil
}

// parseLogged is ParseOutput with validation failures logged instead of
// returned.
func parseLogged(logger *slog.Logger, role Role, raw string, structured bool) Output {
	out, err := ParseOutput(raw, structured)
	if err != nil {
		logger.Warn("structured output invalid, using text", "role", role, "error", err)
	}
	return out
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
