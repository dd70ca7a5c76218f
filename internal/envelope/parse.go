package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// ErrTruncated indicates the model output was cut off mid-object. Callers
// should retry with a larger token budget rather than attempt repair.
var ErrTruncated = errors.New("response appears truncated")

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Parse extracts one envelope from raw LLM output. Strategies are tried in
// order; the first that yields a JSON object wins. The older type-keyed
// dialect is mapped to the canonical state-keyed form at ingress.
func Parse(text string) (*Envelope, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty response")
	}

	strategies := []func(string) (map[string]any, bool){
		parseDirect,
		parseFenced,
		parseBalanced,
		parseTrimmedLines,
		parseJSON5,
	}

	for _, strategy := range strategies {
		if raw, ok := strategy(trimmed); ok {
			return fromRaw(raw)
		}
	}

	if isTruncated(trimmed) {
		return nil, ErrTruncated
	}
	return nil, errors.New("no JSON object found in response")
}

// parseDirect attempts a plain JSON parse of the whole text.
func parseDirect(text string) (map[string]any, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	return raw, true
}

// parseFenced extracts the first ```json fenced block.
func parseFenced(text string) (map[string]any, bool) {
	match := fencedBlockRe.FindStringSubmatch(text)
	if match == nil {
		return nil, false
	}
	return parseDirect(match[1])
}

// parseBalanced scans for the outermost balanced {...} span, respecting
// string literals and escapes.
func parseBalanced(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Skip structural characters inside strings.
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return parseDirect(text[start : i+1])
			}
		}
	}
	return nil, false
}

// parseTrimmedLines drops leading and trailing prose lines outside the
// first '{' and last '}'.
func parseTrimmedLines(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	return parseDirect(text[start : end+1])
}

// parseJSON5 is the syntax-repair strategy: it tolerates trailing commas,
// unquoted keys, and comments. Single-quoted strings are rewritten to
// double-quoted ones first, since the json5 parser rejects them.
func parseJSON5(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	candidate := text[start : end+1]
	for _, attempt := range []string{candidate, normalizeQuotes(candidate)} {
		var raw map[string]any
		if err := json5.Unmarshal([]byte(attempt), &raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}

// normalizeQuotes rewrites single-quoted strings as double-quoted ones,
// escaping embedded double quotes and unescaping \' along the way. Content
// inside double-quoted strings is left untouched.
func normalizeQuotes(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	inDouble := false
	inSingle := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			if inSingle && c == '\'' {
				sb.WriteByte('\'')
			} else {
				sb.WriteByte('\\')
				sb.WriteByte(c)
			}
			continue
		}
		switch {
		case c == '\\' && (inDouble || inSingle):
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			sb.WriteByte('"')
		case c == '"' && inSingle:
			sb.WriteString(`\"`)
		case c == '"':
			inDouble = !inDouble
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// isTruncated detects output cut off mid-object: unbalanced braces or
// brackets, or an odd count of unescaped quotes.
func isTruncated(text string) bool {
	braces, brackets, quotes := 0, 0, 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			quotes++
			inString = !inString
		case inString:
		case c == '{':
			braces++
		case c == '}':
			braces--
		case c == '[':
			brackets++
		case c == ']':
			brackets--
		}
	}
	return braces > 0 || brackets > 0 || quotes%2 != 0
}

// fromRaw maps a decoded object into the canonical Envelope, translating
// the older dialect (type instead of state, message instead of reply,
// result carrying the finish payload) along the way.
func fromRaw(raw map[string]any) (*Envelope, error) {
	if _, ok := raw["state"]; !ok {
		if t, ok := raw["type"].(string); ok {
			switch t {
			case "message":
				raw["state"] = string(StateReply)
			default:
				raw["state"] = t
			}
			delete(raw, "type")
		}
	}
	if raw["state"] == string(StateFinish) {
		if result, ok := raw["result"]; ok {
			if _, present := raw["finish"]; !present {
				raw["finish"] = result
			}
			delete(raw, "result")
		}
	}

	if meta, ok := raw["meta"].(map[string]any); ok {
		meta["continue"] = coerceBool(meta["continue"], true)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// coerceBool accepts the bool-ish values models emit for meta.continue.
func coerceBool(v any, fallback bool) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	case float64:
		return b != 0
	}
	return fallback
}
