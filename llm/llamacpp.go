package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/knothic/anvil/core"
)

// LlamaCppBackend speaks to a llama.cpp server. It tries the
// OpenAI-compatible /v1/chat/completions endpoint first, then falls back to
// the native /completion endpoint with a flattened prompt.
type LlamaCppBackend struct {
	baseURL string
	client  *http.Client
	logger  core.Logger
}

func (l *LlamaCppBackend) Name() string { return "llamacpp" }

// Chat performs a chat completion.
func (l *LlamaCppBackend) Chat(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error) {
	if text, err := l.chatCompletions(ctx, messages, model, temperature, maxTokens); err == nil {
		return text, nil
	} else {
		l.logger.Debug("llama.cpp chat/completions failed, falling back to /completion", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return l.completion(ctx, messages, temperature, maxTokens)
}

// StreamChat is emulated: llama.cpp's streaming shapes vary across builds,
// so the full completion is delivered as a single chunk.
func (l *LlamaCppBackend) StreamChat(ctx context.Context, messages []Message, model string, temperature float64) (<-chan string, error) {
	text, err := l.Chat(ctx, messages, model, temperature, 0)
	if err != nil {
		return nil, err
	}
	chunks := make(chan string, 1)
	chunks <- text
	close(chunks)
	return chunks, nil
}

func (l *LlamaCppBackend) chatCompletions(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error) {
	if model == "" {
		model = "llamacpp"
	}
	payload := map[string]interface{}{
		"model":       model,
		"temperature": temperature,
		"messages":    messages,
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	data, err := l.post(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return "", err
	}

	choices, ok := data["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return "", fmt.Errorf("no choices in chat/completions response: %w", core.ErrToolFailed)
	}
	choice, _ := choices[0].(map[string]interface{})
	msg, _ := choice["message"].(map[string]interface{})
	if content, ok := msg["content"].(string); ok {
		return content, nil
	}
	return "", fmt.Errorf("no content in chat/completions response: %w", core.ErrToolFailed)
}

func (l *LlamaCppBackend) completion(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	var prompt strings.Builder
	for i, m := range messages {
		if i > 0 {
			prompt.WriteString("\n")
		}
		prompt.WriteString(m.Content)
	}

	payload := map[string]interface{}{
		"prompt":      prompt.String(),
		"temperature": temperature,
	}
	if maxTokens > 0 {
		payload["n_predict"] = maxTokens
	}

	data, err := l.post(ctx, "/completion", payload)
	if err != nil {
		return "", err
	}

	// llama.cpp returns {"content": ...} or {"completion": ...}.
	if content, ok := data["content"].(string); ok {
		return content, nil
	}
	if completion, ok := data["completion"].(string); ok {
		return completion, nil
	}
	return "", fmt.Errorf("unrecognized completion response: %w", core.ErrToolFailed)
}

func (l *LlamaCppBackend) post(ctx context.Context, path string, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(l.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling llama.cpp at %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("llama.cpp returned status %d: %w", resp.StatusCode, core.ErrToolFailed)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding llama.cpp response: %w", err)
	}
	return data, nil
}
