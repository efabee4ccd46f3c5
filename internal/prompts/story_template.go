package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"biome-tales/internal/interfaces"
)

// Template names registered by InitializeDefaultTemplates.
const (
	StoryOpening       = "story_opening"
	StoryContinuation  = "story_continuation"
	ContentSafety      = "content_safety"
	PageIllustration   = "page_illustration"
	IllustrationNegate = "illustration_negative"
)

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with variables
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// TemplateContext holds variables for template rendering
type TemplateContext struct {
	Title        string
	Beginning    string
	Continuation string
	Biome        string
	// Text is the raw user input screened by the safety template.
	Text string
	// Scene is what the illustration should show.
	Scene string

	Custom map[string]string
}

// NewTemplateEngine creates a new template engine
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: make(map[string]*Template),
	}
}

// NewDefaultEngine returns an engine with the built-in templates loaded.
func NewDefaultEngine() *TemplateEngine {
	e := NewTemplateEngine()
	_ = e.InitializeDefaultTemplates()
	return e
}

// RegisterTemplate registers a new template
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	if tmpl == nil || strings.TrimSpace(tmpl.Name) == "" {
		return fmt.Errorf("template needs a name")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(tmpl.Variables) == 0 {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	}
	e.templates[tmpl.Name] = tmpl
	return nil
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Render renders a template with the given context
func (e *TemplateEngine) Render(templateName string, ctx *TemplateContext) (string, error) {
	tmpl, err := e.GetTemplate(templateName)
	if err != nil {
		return "", err
	}
	if ctx == nil {
		ctx = &TemplateContext{}
	}

	// Unknown placeholders are left as they are.
	return varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		varName := varRegex.FindStringSubmatch(match)[1]
		if value, ok := ctx.lookup(varName); ok {
			return value
		}
		return match
	}), nil
}

func (c *TemplateContext) lookup(varName string) (string, bool) {
	switch varName {
	case "title":
		return c.Title, true
	case "beginning":
		return c.Beginning, true
	case "continuation":
		return c.Continuation, true
	case "biome":
		return c.Biome, true
	case "text":
		return c.Text, true
	case "scene":
		return c.Scene, true
	default:
		if c.Custom != nil {
			if val, ok := c.Custom[varName]; ok {
				return val, true
			}
		}
		return "", false
	}
}

// FromPrompt builds a rendering context from the oracle input tuple. The
// illustration scene is the continuation when there is one, otherwise the
// beginning.
func FromPrompt(p interfaces.StoryPrompt) *TemplateContext {
	scene := strings.TrimSpace(p.Continuation)
	if scene == "" {
		scene = strings.TrimSpace(p.Beginning)
	}
	return &TemplateContext{
		Title:        p.Title,
		Beginning:    p.Beginning,
		Continuation: p.Continuation,
		Biome:        p.Biome,
		Scene:        scene,
	}
}

// TextTemplateFor picks the opening template for page 1 and the continuation
// template afterwards.
func TextTemplateFor(p interfaces.StoryPrompt) string {
	if strings.TrimSpace(p.Continuation) == "" {
		return StoryOpening
	}
	return StoryContinuation
}

// InitializeDefaultTemplates initializes the default story templates
func (e *TemplateEngine) InitializeDefaultTemplates() error {
	templates := []*Template{
		{
			Name:        StoryOpening,
			Description: "First page of a new storybook",
			Content: `You are writing a picture book for children aged 6 to 10.

Title: {{title}}
Setting: {{biome}}
The young author's opening idea: {{beginning}}

Rewrite the opening idea as page 1 of the book.
Rules:
1. Two to four short sentences, warm and wholesome, easy words.
2. Keep the author's characters and events; add gentle detail about the {{biome}}.
3. No violence, no scary or adult content.

Reply with JSON only: {"page_number": 1, "text_content": "<page text>"}`,
		},
		{
			Name:        StoryContinuation,
			Description: "Next page that follows the author's continuation",
			Content: `You are writing a picture book for children aged 6 to 10.

Title: {{title}}
Setting: {{biome}}
Story so far: {{beginning}}
What the young author wants to happen next: {{continuation}}

Write ONLY the next page.
Rules:
1. Two to four short sentences, warm and wholesome, easy words.
2. Follow the author's next step; do not retell the story so far.
3. Do not copy the author's words or earlier pages into your answer.
4. No violence, no scary or adult content.

Reply with JSON only: {"page_number": 0, "text_content": "<new page text>"}`,
		},
		{
			Name:        ContentSafety,
			Description: "Moderation check for text a child submitted",
			Content: `You moderate a storytelling app for children aged 6 to 10.
Decide whether the text below contains profanity, slurs, sexual content, graphic violence, self-harm or anything else unsuitable for that audience.

Text:
"""
{{text}}
"""

Reply with JSON only: {"profanity": true} or {"profanity": false}`,
		},
		{
			Name:        PageIllustration,
			Description: "Image prompt for one page",
			Content:     `Professional children's storybook illustration of {{scene}}, set in the {{biome}}, for the book "{{title}}". Watercolor and gouache style, soft warm lighting, wholesome imagery, hand-painted quality, consistent friendly characters, 4:3 composition, no text in the image.`,
		},
		{
			Name:        IllustrationNegate,
			Description: "Negative prompt for diffusion backends",
			Content:     `photorealistic, 3d render, harsh lighting, dark shadows, scary, violent, gore, adult content, text, letters, logos, watermark`,
		},
	}

	for _, tmpl := range templates {
		if err := e.RegisterTemplate(tmpl); err != nil {
			return fmt.Errorf("failed to register template %s: %w", tmpl.Name, err)
		}
	}

	return nil
}

// ParseTemplateVariables extracts variables from a template
func ParseTemplateVariables(templateContent string) []string {
	matches := varRegex.FindAllStringSubmatch(templateContent, -1)

	uniqueVars := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueVars[match[1]] = true
		}
	}

	vars := make([]string, 0, len(uniqueVars))
	for v := range uniqueVars {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	return vars
}

// ExportTemplate exports a template as JSON
func (e *TemplateEngine) ExportTemplate(name string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal template: %w", err)
	}

	return string(data), nil
}

// ImportTemplate imports a template from JSON, replacing any template with
// the same name.
func (e *TemplateEngine) ImportTemplate(jsonData string) error {
	var tmpl Template
	if err := json.Unmarshal([]byte(jsonData), &tmpl); err != nil {
		return fmt.Errorf("failed to unmarshal template: %w", err)
	}

	tmpl.Variables = ParseTemplateVariables(tmpl.Content)

	return e.RegisterTemplate(&tmpl)
}

// LoadDir imports every *.json template in dir, replacing built-ins with the
// same name. A missing directory is not an error.
func (e *TemplateEngine) LoadDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read prompt directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if err := e.ImportTemplate(string(data)); err != nil {
			return loaded, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		loaded++
	}
	return loaded, nil
}

// Names lists registered templates in sorted order.
func (e *TemplateEngine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
