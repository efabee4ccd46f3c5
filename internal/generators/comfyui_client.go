package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"biome-tales/internal/config"
	"biome-tales/internal/interfaces"
)

const (
	comfyDefaultTimeout = 5 * time.Minute
	pollInterval        = 1 * time.Second
)

// ComfyUIClient renders illustrations on a ComfyUI server
type ComfyUIClient struct {
	httpClient   *http.Client
	baseURL      string
	checkpoint   string
	negative     string
	width        int
	height       int
	steps        int
	pollInterval time.Duration
	log          *zap.Logger
}

// Workflow is a ComfyUI API-format graph keyed by node id.
type Workflow map[string]*WorkflowNode

// WorkflowNode represents a node in the workflow
type WorkflowNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// PromptRequest represents a prompt generation request
type PromptRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// historyEntry is one value of the /history/{id} map.
type historyEntry struct {
	Outputs map[string]struct {
		Images []ImageInfo `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// ImageInfo represents an image in history
type ImageInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NewComfyUIClient creates a new ComfyUI client
func NewComfyUIClient(cfg config.ComfyUIConfig, log *zap.Logger) *ComfyUIClient {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = comfyDefaultTimeout
	}
	return &ComfyUIClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      cfg.BaseURL,
		checkpoint:   cfg.Checkpoint,
		negative:     cfg.NegativePrompt,
		width:        cfg.Width,
		height:       cfg.Height,
		steps:        cfg.Steps,
		pollInterval: pollInterval,
		log:          log.With(zap.String("component", "comfyui")),
	}
}

// Render queues a text-to-image workflow and waits for the first output image.
func (c *ComfyUIClient) Render(ctx context.Context, req *interfaces.ImageRequest) ([]byte, error) {
	negative := req.NegativePrompt
	if c.negative != "" {
		negative = c.negative
	}
	workflow := c.buildWorkflow(req, negative)

	promptID, err := c.queuePrompt(ctx, &PromptRequest{
		Prompt:   workflow,
		ClientID: "biome-tales-" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue prompt: %w", err)
	}

	img, err := c.waitForImage(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	return c.GetImage(ctx, img)
}

// GetImage retrieves a rendered file
func (c *ComfyUIClient) GetImage(ctx context.Context, img ImageInfo) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ComfyUI view returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// HealthCheck checks if ComfyUI is accessible
func (c *ComfyUIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ComfyUI returned status %d", resp.StatusCode)
	}

	return nil
}

// queuePrompt sends a prompt to the queue
func (c *ComfyUIClient) queuePrompt(ctx context.Context, req *PromptRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ComfyUI prompt returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result promptResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", err
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("invalid response: missing prompt_id")
	}

	c.log.Debug("prompt queued", zap.String("prompt_id", result.PromptID), zap.Int("position", result.Number))
	return result.PromptID, nil
}

// waitForImage polls history until the prompt has produced an image.
func (c *ComfyUIClient) waitForImage(ctx context.Context, promptID string) (ImageInfo, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ImageInfo{}, ctx.Err()
		case <-ticker.C:
		}

		entry, found, err := c.history(ctx, promptID)
		if err != nil {
			c.log.Debug("history poll failed", zap.String("prompt_id", promptID), zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		if entry.Status.StatusStr == "error" {
			return ImageInfo{}, fmt.Errorf("ComfyUI reported an execution error for %s", promptID)
		}
		for _, output := range entry.Outputs {
			if len(output.Images) > 0 {
				return output.Images[0], nil
			}
		}
		if entry.Status.Completed {
			return ImageInfo{}, fmt.Errorf("prompt %s finished without images", promptID)
		}
	}
}

func (c *ComfyUIClient) history(ctx context.Context, promptID string) (historyEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return historyEntry{}, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return historyEntry{}, false, err
	}
	defer resp.Body.Close()

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return historyEntry{}, false, err
	}

	entry, ok := history[promptID]
	return entry, ok, nil
}

// buildWorkflow builds a plain SDXL text-to-image graph
func (c *ComfyUIClient) buildWorkflow(req *interfaces.ImageRequest, negative string) Workflow {
	width, height, steps := req.Width, req.Height, req.Steps
	if width == 0 {
		width = c.width
	}
	if height == 0 {
		height = c.height
	}
	if steps == 0 {
		steps = c.steps
	}
	if width == 0 {
		width = 1024
	}
	if height == 0 {
		height = 768
	}
	if steps == 0 {
		steps = 8
	}
	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano() % 1_000_000_000
	}

	return Workflow{
		"4": {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]interface{}{"ckpt_name": c.checkpoint},
		},
		"5": {
			ClassType: "EmptyLatentImage",
			Inputs:    map[string]interface{}{"width": width, "height": height, "batch_size": 1},
		},
		"6": {
			ClassType: "CLIPTextEncode",
			Inputs:    map[string]interface{}{"text": req.Prompt, "clip": []interface{}{"4", 1}},
		},
		"7": {
			ClassType: "CLIPTextEncode",
			Inputs:    map[string]interface{}{"text": negative, "clip": []interface{}{"4", 1}},
		},
		"3": {
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"seed":         seed,
				"steps":        steps,
				"cfg":          7.0,
				"sampler_name": "euler",
				"scheduler":    "normal",
				"denoise":      1,
				"model":        []interface{}{"4", 0},
				"positive":     []interface{}{"6", 0},
				"negative":     []interface{}{"7", 0},
				"latent_image": []interface{}{"5", 0},
			},
		},
		"8": {
			ClassType: "VAEDecode",
			Inputs:    map[string]interface{}{"samples": []interface{}{"3", 0}, "vae": []interface{}{"4", 2}},
		},
		"9": {
			ClassType: "SaveImage",
			Inputs:    map[string]interface{}{"images": []interface{}{"8", 0}, "filename_prefix": "biome_tales_" + strconv.FormatInt(time.Now().Unix(), 10)},
		},
	}
}
