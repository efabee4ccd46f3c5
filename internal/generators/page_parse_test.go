package generators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biome-tales/internal/interfaces"
)

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSONObject("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":{"b":2}}`, ExtractJSONObject(`Sure! {"a":{"b":2}} Hope that helps.`))
	assert.Equal(t, "no json here", ExtractJSONObject("  no json here "))
}

func TestParseGeneratedPage(t *testing.T) {
	page, err := ParseGeneratedPage(`{"page_number": 4, "text_content": "Mia waved at the owl."}`, interfaces.StoryPrompt{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.PageNumber)
	assert.Equal(t, "Mia waved at the owl.", page.TextContent)

	_, err = ParseGeneratedPage("the owl hooted", interfaces.StoryPrompt{})
	assert.ErrorIs(t, err, interfaces.ErrOracle)

	_, err = ParseGeneratedPage(`{"page_number": 2, "text_content": "   "}`, interfaces.StoryPrompt{})
	assert.ErrorIs(t, err, interfaces.ErrOracle)
}

func TestParseGeneratedPageStripsEcho(t *testing.T) {
	prompt := interfaces.StoryPrompt{
		Beginning:    "Once upon a time. They found a cave.",
		Continuation: "They go inside.",
	}
	raw := `{"page_number": 3, "text_content": "Once upon a time. They found a cave. They go inside. Glowing crystals lit the walls."}`

	page, err := ParseGeneratedPage(raw, prompt)
	require.NoError(t, err)
	assert.Equal(t, "Glowing crystals lit the walls.", page.TextContent)

	_, err = ParseGeneratedPage(`{"text_content": "They go inside."}`, prompt)
	assert.ErrorIs(t, err, interfaces.ErrOracle, "a pure echo is not a page")
}

func TestStripEchoLeavesOpeningAlone(t *testing.T) {
	prompt := interfaces.StoryPrompt{Beginning: "A girl found a cave."}
	assert.Equal(t, "A girl found a cave.", StripEcho("A girl found a cave.", prompt))
}

func TestParseSafetyVerdict(t *testing.T) {
	flagged, err := ParseSafetyVerdict(`{"profanity": false}`)
	require.NoError(t, err)
	assert.False(t, flagged)

	flagged, err = ParseSafetyVerdict("```json\n{\"profanity\": true}\n```")
	require.NoError(t, err)
	assert.True(t, flagged)

	flagged, err = ParseSafetyVerdict(`{"ok": true}`)
	assert.Error(t, err)
	assert.True(t, flagged)

	flagged, err = ParseSafetyVerdict("nope")
	assert.Error(t, err)
	assert.True(t, flagged)
}
