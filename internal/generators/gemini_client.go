package generators

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"biome-tales/internal/config"
	"biome-tales/internal/interfaces"
)

// GeminiClient generates page text with Gemini and illustrations with
// Imagen through the Google GenAI SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	imageModel  string
	temperature float32
	limiter     *rate.Limiter
}

// NewGeminiClient creates a client from the gemini section of the config.
func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		imageModel:  cfg.ImageModel,
		temperature: float32(cfg.Temperature),
		limiter:     rate.NewLimiter(rate.Limit(2), 4),
	}, nil
}

// Generate runs a single-turn text generation.
func (c *GeminiClient) Generate(ctx context.Context, system, prompt string, jsonMode bool) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	conf := &genai.GenerateContentConfig{}
	if c.temperature > 0 {
		conf.Temperature = genai.Ptr(c.temperature)
	}
	if system != "" {
		conf.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if jsonMode {
		conf.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), conf)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty response from model %s", c.model)
	}
	return text, nil
}

// Render produces one illustration and returns the encoded image bytes.
func (c *GeminiClient) Render(ctx context.Context, req *interfaces.ImageRequest) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.Models.GenerateImages(ctx, c.imageModel, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    "4:3",
	})
	if err != nil {
		return nil, fmt.Errorf("imagen generate: %w", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil ||
		len(resp.GeneratedImages[0].Image.ImageBytes) == 0 {
		return nil, fmt.Errorf("imagen returned no image")
	}
	return resp.GeneratedImages[0].Image.ImageBytes, nil
}
