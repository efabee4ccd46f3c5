package models

import (
	"time"
)

// Story is the immutable header written once when a student starts a book.
type Story struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Title           string    `gorm:"size:255;not null" json:"title"`
	BeginningPrompt string    `gorm:"type:text;not null" json:"beginning_prompt"`
	Biome           string    `gorm:"size:128;not null" json:"biome"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Story) TableName() string { return "saved_stories" }

// StoryPage holds one generated page. Text is that page's fragment only.
type StoryPage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	StoryID    uint      `gorm:"not null;uniqueIndex:idx_story_page" json:"story_id"`
	PageNum    int       `gorm:"not null;uniqueIndex:idx_story_page" json:"page_num"`
	Text       string    `gorm:"type:text;not null" json:"text"`
	ImageURL   string    `gorm:"size:1024" json:"image_url"`
	NextPrompt string    `gorm:"type:text" json:"next_prompt,omitempty"`
	Biome      string    `gorm:"size:128" json:"biome"`
	CreatedAt  time.Time `json:"created_at"`

	Story *Story `gorm:"foreignKey:StoryID;constraint:OnDelete:CASCADE" json:"-"`
}

func (StoryPage) TableName() string { return "story_pages" }

// StorySummary is a row of the story listing.
type StorySummary struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	Biome     string    `json:"biome"`
	PageCount int       `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Biome is a selectable story setting on the map. StoryCount is derived
// from saved stories on read and never stored.
type Biome struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	Name        string `gorm:"size:128;not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	ImageURL    string `gorm:"size:1024" json:"image_url"`
	Gradient    string `gorm:"size:128" json:"gradient"`
	Unlocked    bool   `json:"unlocked"`
	SortOrder   int    `json:"sort_order"`
	StoryCount  int    `gorm:"-" json:"story_count"`
}

func (Biome) TableName() string { return "biomes" }

// All lists every table the store migrates.
func All() []interface{} {
	return []interface{}{&Story{}, &StoryPage{}, &Biome{}}
}
