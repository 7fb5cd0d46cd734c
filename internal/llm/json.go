package llm

import (
	"encoding/json"
	"strings"
)

// ParseJSON reads a JSON object out of model output. It tolerates code
// fences and surrounding prose by falling back to the first balanced
// {...} substring that decodes. It returns nil when nothing parses.
func ParseJSON(text string) map[string]any {
	text = stripFences(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out
	}
	for from := 0; from < len(text); {
		start, end := balancedObject(text, from)
		if start < 0 {
			return nil
		}
		out = nil
		if err := json.Unmarshal([]byte(text[start:end]), &out); err == nil {
			return out
		}
		from = start + 1
	}
	return nil
}

// balancedObject finds the first '{' at or after from and the end of its
// matching '}'. Braces inside JSON strings are not counted. It returns -1
// when there is no balanced object.
func balancedObject(text string, from int) (int, int) {
	start := strings.IndexByte(text[from:], '{')
	if start < 0 {
		return -1, -1
	}
	start += from
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// language tag on the opening fence
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		tag := strings.TrimSpace(text[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{[") {
			text = text[nl+1:]
		}
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}
