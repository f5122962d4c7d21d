// Package llm provides the external model boundary used by stage
// handlers. The orchestrator never touches this package; handlers own
// their prompts, their JSON coercion, and their transient retries.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client is the capability every LLM-backed stage handler depends on.
type Client interface {
	// Complete returns the model's raw text completion for a prompt.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteJSON returns a completion constrained to JSON-only output.
	CompleteJSON(ctx context.Context, prompt string) (string, error)
}

// ErrRateLimited marks a transient rate-limit response. Handlers retry
// these inside the stage; anything that escapes a handler is treated as
// a hard failure of that stage attempt.
var ErrRateLimited = errors.New("llm rate limited")

// DecodeJSON unmarshals a model completion into out, tolerating the
// markdown fences models wrap JSON in despite instructions.
func DecodeJSON(raw string, out any) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("invalid JSON from model: %w", err)
	}
	return nil
}
