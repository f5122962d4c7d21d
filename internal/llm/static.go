package llm

import (
	"context"
	"strings"
	"sync"
)

// StaticClient is a canned-response client for tests and offline runs.
// Responses are served per prompt-substring match, falling back to a
// default. It also counts calls so tests can assert a handler was (or
// was not) invoked.
type StaticClient struct {
	mu        sync.Mutex
	responses map[string]string
	fallback  string
	err       error
	calls     int
}

// NewStaticClient creates a stub client that always answers fallback.
func NewStaticClient(fallback string) *StaticClient {
	return &StaticClient{
		responses: make(map[string]string),
		fallback:  fallback,
	}
}

// Respond registers a canned response for prompts containing substr.
func (s *StaticClient) Respond(substr, response string) *StaticClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[substr] = response
	return s
}

// Fail makes every subsequent call return err.
func (s *StaticClient) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many completions were requested.
func (s *StaticClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Complete implements Client.
func (s *StaticClient) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	for substr, resp := range s.responses {
		if substr != "" && strings.Contains(prompt, substr) {
			return resp, nil
		}
	}
	return s.fallback, nil
}

// CompleteJSON implements Client.
func (s *StaticClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	return s.Complete(ctx, prompt)
}
