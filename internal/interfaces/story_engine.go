package interfaces

import (
	"context"

	"biome-tales/internal/models"
)

// StoryPrompt is the narrative context handed to the text and image oracles.
// Beginning holds the opening text for page 1 and the story-so-far after that.
type StoryPrompt struct {
	Title        string `json:"title"`
	Beginning    string `json:"beginning"`
	Continuation string `json:"continuation"`
	Biome        string `json:"biome"`
}

// GeneratedPage is the text oracle's answer. PageNumber is informational;
// the pipeline always assigns its own.
type GeneratedPage struct {
	PageNumber  int    `json:"page_number"`
	TextContent string `json:"text_content"`
}

// PersistencePort is the relational store behind the pipeline.
type PersistencePort interface {
	CreateStory(ctx context.Context, story *models.Story) error
	GetStory(ctx context.Context, id uint) (*models.Story, error)
	DeleteStory(ctx context.Context, id uint) error
	InsertPage(ctx context.Context, page *models.StoryPage) error
	// ListPages returns pages ordered by page number ascending.
	ListPages(ctx context.Context, storyID uint) ([]models.StoryPage, error)
	ListStories(ctx context.Context, limit, offset int) ([]models.StorySummary, error)
	ListBiomes(ctx context.Context) ([]models.Biome, error)
}

// SafetyOraclePort screens user text. Implementations fail closed: any
// transport or parse problem must come back as true.
type SafetyOraclePort interface {
	ContainsProfanity(ctx context.Context, text string) bool
}

// TextOraclePort writes the next page fragment. It must not echo the
// story-so-far or the continuation back.
type TextOraclePort interface {
	ContinueStory(ctx context.Context, prompt StoryPrompt) (GeneratedPage, error)
}

// StoryLocker serializes writers of a single story. Acquire reports false
// when another writer holds the lock.
type StoryLocker interface {
	Acquire(ctx context.Context, storyID uint) (release func(), ok bool, err error)
}

// PageEventPublisher is notified after a page is durably stored.
type PageEventPublisher interface {
	PublishPage(page models.StoryPage)
}
