package generators

import (
	"encoding/json"
	"fmt"
	"strings"

	"biome-tales/internal/interfaces"
)

// ExtractJSONObject cuts the first JSON object out of a model reply that
// may wrap it in prose or a fenced code block.
func ExtractJSONObject(s string) string {
	raw := strings.TrimSpace(s)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// ParseGeneratedPage decodes a {page_number, text_content} reply and removes
// any echo of the story-so-far or the continuation from the text.
func ParseGeneratedPage(raw string, prompt interfaces.StoryPrompt) (interfaces.GeneratedPage, error) {
	var page struct {
		PageNumber  json.Number `json:"page_number"`
		TextContent string      `json:"text_content"`
	}
	if err := json.Unmarshal([]byte(ExtractJSONObject(raw)), &page); err != nil {
		return interfaces.GeneratedPage{}, fmt.Errorf("%w: unreadable page reply: %v", interfaces.ErrOracle, err)
	}

	text := StripEcho(page.TextContent, prompt)
	if text == "" {
		return interfaces.GeneratedPage{}, fmt.Errorf("%w: model returned no new page text", interfaces.ErrOracle)
	}

	n, _ := page.PageNumber.Int64()
	return interfaces.GeneratedPage{PageNumber: int(n), TextContent: text}, nil
}

// StripEcho drops a leading copy of the story-so-far and then of the
// continuation. Only continuation pages are checked: on page 1 Beginning is
// the author's own opening, which the model is expected to rewrite.
func StripEcho(text string, prompt interfaces.StoryPrompt) string {
	text = strings.TrimSpace(text)
	if strings.TrimSpace(prompt.Continuation) == "" {
		return text
	}

	for _, echo := range []string{prompt.Beginning, prompt.Continuation} {
		echo = strings.TrimSpace(echo)
		if echo == "" {
			continue
		}
		if strings.HasPrefix(text, echo) {
			text = strings.TrimSpace(strings.TrimPrefix(text, echo))
		}
	}
	return text
}

// ParseSafetyVerdict decodes a {profanity: bool} reply. A reply without the
// field is an error so callers can fail closed.
func ParseSafetyVerdict(raw string) (bool, error) {
	var verdict struct {
		Profanity *bool `json:"profanity"`
	}
	if err := json.Unmarshal([]byte(ExtractJSONObject(raw)), &verdict); err != nil {
		return true, fmt.Errorf("unreadable safety reply: %w", err)
	}
	if verdict.Profanity == nil {
		return true, fmt.Errorf("safety reply has no verdict")
	}
	return *verdict.Profanity, nil
}
