package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errNoJSON = errors.New("graph: no JSON object in reply")

// decodeReply extracts and parses the first balanced JSON object from a
// model reply. Models wrap JSON in prose or ```json fences often enough that
// plain unmarshalling is a losing game.
func decodeReply(reply string) (map[string]any, error) {
	raw, err := firstObject(reply)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("graph: parse reply JSON: %w", err)
	}
	return out, nil
}

// firstObject returns the first balanced {...} substring, tracking strings
// so braces inside values do not break the depth count.
func firstObject(s string) (string, error) {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", errNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errNoJSON
}

// stringField reads m[key] as a string. Lists yield their first element and
// other non-strings are formatted; a missing or empty value yields fallback.
func stringField(m map[string]any, key, fallback string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return fallback
	}
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return fallback
		}
		v = list[0]
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

// boolField reads m[key] as a bool, accepting the string spellings models
// produce.
func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}
