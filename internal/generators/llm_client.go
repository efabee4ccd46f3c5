package generators

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"biome-tales/internal/config"
)

const (
	defaultTimeout = 90 * time.Second
	retryDelay     = 1 * time.Second
)

// LLMClient talks to any OpenAI-compatible endpoint. Every request waits on
// a shared limiter and retries transient failures with exponential backoff.
type LLMClient struct {
	client      *openai.Client
	model       string
	imageModel  string
	imageSize   string
	maxTokens   int
	temperature float32
	maxRetries  int
	retryDelay  time.Duration
	limiter     *rate.Limiter
}

// NewLLMClient creates a client from the openai section of the config.
func NewLLMClient(cfg config.OpenAIConfig) *LLMClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &LLMClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		imageModel:  cfg.ImageModel,
		imageSize:   cfg.ImageSize,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		limiter:     rate.NewLimiter(limit, burst),
	}
}

// WithModel returns a copy of the client that sends chat requests to model.
// The copy shares the rate limiter.
func (c *LLMClient) WithModel(model string) *LLMClient {
	clone := *c
	if model != "" {
		clone.model = model
	}
	return &clone
}

// Generate sends one system+user exchange and returns the reply text. With
// jsonMode the endpoint is asked for a JSON object.
func (c *LLMClient) Generate(ctx context.Context, system, prompt string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var content string
	err := c.withRetry(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return fmt.Errorf("empty response from model %s", c.model)
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	return content, err
}

// CreateImage asks the images endpoint for one picture and returns its
// hosted URL.
func (c *LLMClient) CreateImage(ctx context.Context, prompt string) (string, error) {
	req := openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.imageModel,
		Size:           c.imageSize,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}

	var url string
	err := c.withRetry(ctx, func() error {
		resp, err := c.client.CreateImage(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 || resp.Data[0].URL == "" {
			return fmt.Errorf("image response carried no url")
		}
		url = resp.Data[0].URL
		return nil
	})
	return url, err
}

// withRetry makes up to maxRetries attempts, backing off exponentially from
// retryDelay between them. Only transient failures are retried.
func (c *LLMClient) withRetry(ctx context.Context, call func() error) error {
	attempts := 0
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := call()
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// isRetryableError checks if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "empty response")
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
