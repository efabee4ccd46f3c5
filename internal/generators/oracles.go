package generators

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"biome-tales/internal/interfaces"
	"biome-tales/internal/metrics"
	"biome-tales/internal/prompts"
)

const (
	storytellerSystem = "You are a gentle children's picture book author. You always answer with a single JSON object."
	moderatorSystem   = "You are a strict content moderator for a children's app. You always answer with a single JSON object."
)

// Generator is a single-turn text model. LLMClient and GeminiClient both
// satisfy it.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, jsonMode bool) (string, error)
}

// TextOracle writes page text with a Generator.
type TextOracle struct {
	provider string
	gen      Generator
	prompts  *prompts.TemplateEngine
	log      *zap.Logger
}

func NewTextOracle(provider string, gen Generator, tpl *prompts.TemplateEngine, log *zap.Logger) *TextOracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &TextOracle{
		provider: provider,
		gen:      gen,
		prompts:  tpl,
		log:      log.With(zap.String("component", "text_oracle"), zap.String("provider", provider)),
	}
}

func (o *TextOracle) ContinueStory(ctx context.Context, p interfaces.StoryPrompt) (interfaces.GeneratedPage, error) {
	prompt, err := o.prompts.Render(prompts.TextTemplateFor(p), prompts.FromPrompt(p))
	if err != nil {
		return interfaces.GeneratedPage{}, fmt.Errorf("%w: %v", interfaces.ErrOracle, err)
	}

	start := time.Now()
	raw, err := o.gen.Generate(ctx, storytellerSystem, prompt, true)
	metrics.ObserveOracle(o.provider, "text", start, err)
	if err != nil {
		o.log.Error("text generation failed", zap.Error(err))
		return interfaces.GeneratedPage{}, fmt.Errorf("%w: %v", interfaces.ErrOracle, err)
	}

	page, err := ParseGeneratedPage(raw, p)
	if err != nil {
		o.log.Warn("unusable page reply", zap.Error(err), zap.Int("reply_bytes", len(raw)))
		return interfaces.GeneratedPage{}, err
	}
	return page, nil
}

// SafetyOracle screens text with a Generator and fails closed.
type SafetyOracle struct {
	provider string
	gen      Generator
	prompts  *prompts.TemplateEngine
	log      *zap.Logger
}

func NewSafetyOracle(provider string, gen Generator, tpl *prompts.TemplateEngine, log *zap.Logger) *SafetyOracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &SafetyOracle{
		provider: provider,
		gen:      gen,
		prompts:  tpl,
		log:      log.With(zap.String("component", "safety_oracle"), zap.String("provider", provider)),
	}
}

// ContainsProfanity never returns false unless the model clearly said so.
func (o *SafetyOracle) ContainsProfanity(ctx context.Context, text string) bool {
	prompt, err := o.prompts.Render(prompts.ContentSafety, &prompts.TemplateContext{Text: text})
	if err != nil {
		return o.failClosed("render", err)
	}

	start := time.Now()
	raw, err := o.gen.Generate(ctx, moderatorSystem, prompt, true)
	metrics.ObserveOracle(o.provider, "safety", start, err)
	if err != nil {
		return o.failClosed("request", err)
	}

	flagged, err := ParseSafetyVerdict(raw)
	if err != nil {
		return o.failClosed("parse", err)
	}

	verdict := "clean"
	if flagged {
		verdict = "flagged"
	}
	metrics.SafetyVerdictsTotal.WithLabelValues(verdict, "model").Inc()
	return flagged
}

func (o *SafetyOracle) failClosed(stage string, err error) bool {
	o.log.Warn("safety check failed, rejecting input", zap.String("stage", stage), zap.Error(err))
	metrics.SafetyVerdictsTotal.WithLabelValues("flagged", "error").Inc()
	return true
}

// HostedImageOracle asks the OpenAI images endpoint for a hosted URL.
type HostedImageOracle struct {
	client  *LLMClient
	prompts *prompts.TemplateEngine
	log     *zap.Logger
}

func NewHostedImageOracle(client *LLMClient, tpl *prompts.TemplateEngine, log *zap.Logger) *HostedImageOracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &HostedImageOracle{
		client:  client,
		prompts: tpl,
		log:     log.With(zap.String("component", "image_oracle"), zap.String("provider", "openai")),
	}
}

func (o *HostedImageOracle) Illustrate(ctx context.Context, p interfaces.StoryPrompt) (string, error) {
	prompt, err := o.prompts.Render(prompts.PageIllustration, prompts.FromPrompt(p))
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrOracle, err)
	}

	start := time.Now()
	url, err := o.client.CreateImage(ctx, prompt)
	metrics.ObserveOracle("openai", "image", start, err)
	if err != nil {
		o.log.Error("image generation failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", interfaces.ErrOracle, err)
	}
	return url, nil
}

// RenderedImageOracle renders bytes with an ImageRenderer and publishes them
// through an ImageSink. Identical prompts reuse the stored picture.
type RenderedImageOracle struct {
	provider string
	renderer interfaces.ImageRenderer
	sink     interfaces.ImageSink
	prompts  *prompts.TemplateEngine
	log      *zap.Logger
}

func NewRenderedImageOracle(provider string, renderer interfaces.ImageRenderer, sink interfaces.ImageSink, tpl *prompts.TemplateEngine, log *zap.Logger) *RenderedImageOracle {
	if log == nil {
		log = zap.NewNop()
	}
	return &RenderedImageOracle{
		provider: provider,
		renderer: renderer,
		sink:     sink,
		prompts:  tpl,
		log:      log.With(zap.String("component", "image_oracle"), zap.String("provider", provider)),
	}
}

func (o *RenderedImageOracle) Illustrate(ctx context.Context, p interfaces.StoryPrompt) (string, error) {
	tctx := prompts.FromPrompt(p)
	prompt, err := o.prompts.Render(prompts.PageIllustration, tctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrOracle, err)
	}
	negative, _ := o.prompts.Render(prompts.IllustrationNegate, tctx)

	key := GenerateCacheKey(o.provider, prompt)
	if url, ok := o.sink.Lookup(key); ok {
		o.log.Debug("reusing stored illustration", zap.String("key", key))
		return url, nil
	}

	start := time.Now()
	data, err := o.renderer.Render(ctx, &interfaces.ImageRequest{Prompt: prompt, NegativePrompt: negative})
	metrics.ObserveOracle(o.provider, "image", start, err)
	if err != nil {
		o.log.Error("image generation failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", interfaces.ErrOracle, err)
	}

	url, err := o.sink.Save(ctx, key, data, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: storing illustration: %v", interfaces.ErrOracle, err)
	}
	return url, nil
}

// NoImageOracle leaves pages unillustrated.
type NoImageOracle struct{}

func (NoImageOracle) Illustrate(context.Context, interfaces.StoryPrompt) (string, error) {
	return "", nil
}

// GenerateCacheKey derives a stable file key from provider and prompt.
func GenerateCacheKey(provider, prompt string) string {
	sum := sha256.Sum256([]byte(provider + "|" + prompt))
	return hex.EncodeToString(sum[:16])
}
