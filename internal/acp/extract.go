package acp

import (
	"encoding/json"
	"strings"
)

// ExtractConfig controls the conservative fallback scan used when the
// streamed chunks yield no visible text. VisibleFields is an ordered
// whitelist of result-payload fields that are allowed to surface as user
// content. Fields naming internal reasoning are vetoed unconditionally,
// whatever the whitelist says.
type ExtractConfig struct {
	VisibleFields []string
}

// defaultVisibleFields mirrors the adapters' known response dialects.
var defaultVisibleFields = []string{
	"assistant_text", "message", "output_text", "text", "result", "content",
}

func (c ExtractConfig) fields() []string {
	if len(c.VisibleFields) > 0 {
		return c.VisibleFields
	}
	return defaultVisibleFields
}

// visibleTextFromPayload scans the prompt result payload for user-visible
// text using the whitelist. Returns "" when nothing safe is found.
func visibleTextFromPayload(payload json.RawMessage, cfg ExtractConfig) string {
	if len(payload) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ""
	}
	for _, key := range cfg.fields() {
		if isReasoningKey(key) {
			continue // the veto beats any whitelist entry
		}
		if text := visibleTextFromValue(decoded[key]); text != "" {
			return text
		}
	}
	return ""
}

// visibleTextFromValue recursively extracts user-visible text from a decoded
// JSON value. Any object that looks like internal reasoning is skipped whole;
// keys mentioning thought/reasoning are never descended into.
func visibleTextFromValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if looksThoughtLike(v) {
			return ""
		}
		if text, ok := v["text"].(string); ok {
			return strings.TrimSpace(text)
		}
		for _, key := range defaultVisibleFields {
			if isReasoningKey(key) {
				continue
			}
			if text := visibleTextFromValue(v[key]); text != "" {
				return text
			}
		}
		return ""
	case []any:
		var b strings.Builder
		for _, item := range v {
			b.WriteString(visibleTextFromValue(item))
		}
		return strings.TrimSpace(b.String())
	default:
		return ""
	}
}

// looksThoughtLike reports whether a decoded object is internal reasoning
// content: a thought/reasoning type tag, or any key naming one.
func looksThoughtLike(value map[string]any) bool {
	for _, tagKey := range []string{"type", "kind"} {
		if tag, ok := value[tagKey].(string); ok && isReasoningKey(tag) {
			return true
		}
	}
	for key := range value {
		if isReasoningKey(key) {
			return true
		}
	}
	return false
}

func isReasoningKey(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "thought") || strings.Contains(s, "reasoning")
}
