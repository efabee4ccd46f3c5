package interfaces

import "context"

// ImageOraclePort renders an illustration for a page and returns its URL.
type ImageOraclePort interface {
	Illustrate(ctx context.Context, prompt StoryPrompt) (string, error)
}

// ImageRequest is a provider-neutral render request built from a StoryPrompt.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Seed           int64
}

// ImageRenderer produces raw image bytes. Oracles that do not get a hosted
// URL back from their provider write these bytes to an ImageSink.
type ImageRenderer interface {
	Render(ctx context.Context, req *ImageRequest) ([]byte, error)
}

// ImageSink stores rendered bytes and returns a public URL for them.
type ImageSink interface {
	Save(ctx context.Context, key string, data []byte, prompt string) (string, error)
	Lookup(key string) (string, bool)
}

// HealthChecker is implemented by oracles that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
