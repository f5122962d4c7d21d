package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"mise/internal/logging"
)

// GeminiClient implements Client on the Google GenAI API. One instance
// is shared process-wide; a minimum-interval guard keeps concurrent
// sessions from stampeding the provider.
type GeminiClient struct {
	client *genai.Client
	model  string

	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	MinInterval time.Duration
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 200 * time.Millisecond
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		minInterval: cfg.MinInterval,
	}, nil
}

// Complete returns the raw text completion for a prompt.
func (g *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	g.throttle()

	timer := logging.StartTimer(logging.CategoryLLM, "Complete")
	defer timer.Stop()
	logging.LLMDebug("completion request: model=%s prompt_len=%d", g.model, len(prompt))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		if isRateLimit(err) {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}

	text := resp.Text()
	logging.LLMDebug("completion response: %d bytes", len(text))
	return text, nil
}

// CompleteJSON wraps the prompt with a strict JSON-only instruction.
func (g *GeminiClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	return g.Complete(ctx, prompt+"\n\nRespond with valid JSON only. No prose, no markdown fences.")
}

// throttle enforces the minimum interval between requests.
func (g *GeminiClient) throttle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := g.minInterval - time.Since(g.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	g.lastRequest = time.Now()
}

func isRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate") || strings.Contains(msg, "quota")
}
