package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes DeepSeek R1 reasoning tags from the response.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
}

// ParseDecisions accepts a JSON array, a single object, either one wrapped
// in a markdown fence, or JSON embedded in prose.
func ParseDecisions(text string) ([]Decision, error) {
	cleaned := StripThinkTags(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" || cleaned == "[]" {
		return nil, nil
	}

	if out, ok := decode(cleaned); ok {
		return out, nil
	}
	for _, pair := range [][2]string{{"[", "]"}, {"{", "}"}} {
		start := strings.Index(cleaned, pair[0])
		end := strings.LastIndex(cleaned, pair[1])
		if start >= 0 && end > start {
			if out, ok := decode(cleaned[start : end+1]); ok {
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("failed to parse AI response as JSON: %.200s", cleaned)
}

func decode(s string) ([]Decision, bool) {
	var many []Decision
	if err := json.Unmarshal([]byte(s), &many); err == nil {
		return many, true
	}
	var one Decision
	if err := json.Unmarshal([]byte(s), &one); err == nil {
		return []Decision{one}, true
	}
	return nil, false
}
