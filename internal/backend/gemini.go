package backend

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"modelarena/internal/logging"
)

// GeminiConfig holds configuration for a Gemini backend.
type GeminiConfig struct {
	Name        string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// DefaultGeminiConfig returns sensible defaults for a named backend.
func DefaultGeminiConfig(name, apiKey string) GeminiConfig {
	return GeminiConfig{
		Name:        name,
		APIKey:      apiKey,
		Model:       "gemini-2.0-flash",
		MaxTokens:   2048,
		Temperature: 0.7,
	}
}

// GeminiClient implements ModelBackend over the Google GenAI SDK's
// streaming generation API.
type GeminiClient struct {
	name      string
	client    *genai.Client
	model     string
	maxTokens int
	temp      float64
}

// NewGeminiClient creates a streaming client from config.
func NewGeminiClient(config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key not configured for backend %s", config.Name)
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2048
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		name:      config.Name,
		client:    client,
		model:     config.Model,
		maxTokens: config.MaxTokens,
		temp:      config.Temperature,
	}, nil
}

// Name returns the backend's configured name.
func (c *GeminiClient) Name() string { return c.name }

// Stream sends the prompt and delivers content chunks as the SDK's
// response iterator yields them. The iterator honors ctx, so
// cancellation ends the stream with ctx's error.
func (c *GeminiClient) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	contentChan := make(chan string, 100)
	errorChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errorChan)

		cfg := &genai.GenerateContentConfig{
			MaxOutputTokens: int32(c.maxTokens),
		}
		if c.temp > 0 {
			cfg.Temperature = genai.Ptr(float32(c.temp))
		}

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, genai.Text(prompt), cfg) {
			if err != nil {
				logging.APIError("backend %s stream error: %v", c.name, err)
				errorChan <- fmt.Errorf("gemini stream failed: %w", err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case contentChan <- text:
			case <-ctx.Done():
				errorChan <- ctx.Err()
				return
			}
		}
	}()

	return contentChan, errorChan
}
