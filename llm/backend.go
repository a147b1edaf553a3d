// Package llm routes chat requests to a local model backend through an
// allow-list, daily token/cost budgets, and a TTL'd response cache. The
// executor itself never calls it; the reflection loop and chat endpoints do.
package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/knothic/anvil/core"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend is a pluggable chat implementation.
type Backend interface {
	Name() string
	Chat(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error)
	// StreamChat returns a finite channel of chunks delivered in order. The
	// channel is closed when the stream ends.
	StreamChat(ctx context.Context, messages []Message, model string, temperature float64) (<-chan string, error)
}

// stubBaseURL selects the deterministic test backend.
const stubBaseURL = "test://stub"

// NewBackend selects a backend from configuration. A base URL of
// "test://stub" yields the deterministic test backend regardless of the
// backend name.
func NewBackend(cfg *core.Config, logger core.Logger) (Backend, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	if cfg.LLM.OllamaBaseURL == stubBaseURL || cfg.LLM.LlamaCppURL == stubBaseURL {
		return &StubBackend{}, nil
	}

	httpClient := &http.Client{Timeout: cfg.LLM.RequestTimeout}

	switch cfg.LLM.Backend {
	case "ollama":
		return &OllamaBackend{
			baseURL: cfg.LLM.OllamaBaseURL,
			client:  httpClient,
			logger:  logger,
		}, nil
	case "llamacpp":
		return &LlamaCppBackend{
			baseURL: cfg.LLM.LlamaCppURL,
			client:  httpClient,
			logger:  logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown llm backend %q", cfg.LLM.Backend)
}

// promptText flattens messages for token estimation and cache hashing.
func promptText(messages []Message) string {
	var out string
	for _, m := range messages {
		if m.Role != "system" {
			out += m.Content + "\n"
		}
	}
	return out
}

// systemText flattens the system turns.
func systemText(messages []Message) string {
	var out string
	for _, m := range messages {
		if m.Role == "system" {
			out += m.Content + "\n"
		}
	}
	return out
}
