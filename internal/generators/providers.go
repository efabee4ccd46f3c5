package generators

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"biome-tales/internal/config"
	"biome-tales/internal/interfaces"
	"biome-tales/internal/prompts"
)

// Oracles bundles the three AI ports the pipeline needs.
type Oracles struct {
	Text   interfaces.TextOraclePort
	Safety interfaces.SafetyOraclePort
	Image  interfaces.ImageOraclePort
	// Probes are backends that can be health-checked, keyed by name.
	Probes map[string]interfaces.HealthChecker
}

// BuildOracles wires the configured providers. images receives rendered
// bytes for providers that do not host their own pictures. ctx bounds the
// lifetime of any background workers, so pass the process context.
func BuildOracles(ctx context.Context, cfg config.AIConfig, images interfaces.ImageSink, tpl *prompts.TemplateEngine, log *zap.Logger) (*Oracles, error) {
	if log == nil {
		log = zap.NewNop()
	}
	out := &Oracles{Probes: make(map[string]interfaces.HealthChecker)}

	var (
		openaiClient *LLMClient
		geminiClient *GeminiClient
	)
	getOpenAI := func() *LLMClient {
		if openaiClient == nil {
			openaiClient = NewLLMClient(cfg.OpenAI)
		}
		return openaiClient
	}
	getGemini := func() (*GeminiClient, error) {
		if geminiClient == nil {
			c, err := NewGeminiClient(ctx, cfg.Gemini)
			if err != nil {
				return nil, err
			}
			geminiClient = c
		}
		return geminiClient, nil
	}

	switch cfg.TextProvider {
	case "openai":
		client := getOpenAI()
		out.Text = NewTextOracle("openai", client, tpl, log)
		out.Safety = NewSafetyOracle("openai", client.WithModel(cfg.OpenAI.SafetyModel), tpl, log)
	case "gemini":
		client, err := getGemini()
		if err != nil {
			return nil, err
		}
		out.Text = NewTextOracle("gemini", client, tpl, log)
		out.Safety = NewSafetyOracle("gemini", client, tpl, log)
	default:
		return nil, fmt.Errorf("unsupported text provider %q", cfg.TextProvider)
	}

	switch cfg.ImageProvider {
	case "openai":
		out.Image = NewHostedImageOracle(getOpenAI(), tpl, log)
	case "gemini":
		client, err := getGemini()
		if err != nil {
			return nil, err
		}
		out.Image = NewRenderedImageOracle("gemini", client, images, tpl, log)
	case "comfyui":
		comfy := NewComfyUIClient(cfg.ComfyUI, log)
		queue := NewRenderQueue(comfy, cfg.ComfyUI.Workers, cfg.ComfyUI.QueueSize)
		queue.Start(ctx)
		out.Image = NewRenderedImageOracle("comfyui", queue, images, tpl, log)
		out.Probes["comfyui"] = comfy
	case "none":
		out.Image = NoImageOracle{}
	default:
		return nil, fmt.Errorf("unsupported image provider %q", cfg.ImageProvider)
	}

	return out, nil
}
