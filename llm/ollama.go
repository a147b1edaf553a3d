package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/knothic/anvil/core"
)

// OllamaBackend speaks the Ollama chat protocol (POST {base}/api/chat).
// Response parsing tolerates the message/choices/response shapes emitted by
// different server versions.
type OllamaBackend struct {
	baseURL string
	client  *http.Client
	logger  core.Logger
}

func (o *OllamaBackend) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// Chat performs a non-streaming chat completion.
func (o *OllamaBackend) Chat(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error) {
	options := map[string]interface{}{"temperature": temperature}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("ollama chat returned status %d: %w", resp.StatusCode, core.ErrToolFailed)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	return extractContent(data), nil
}

// StreamChat performs a streaming chat completion, yielding each response
// line as a chunk.
func (o *OllamaBackend) StreamChat(ctx context.Context, messages []Message, model string, temperature float64) (<-chan string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  map[string]interface{}{"temperature": temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("ollama stream returned status %d: %w", resp.StatusCode, core.ErrToolFailed)
	}

	chunks := make(chan string)
	go func() {
		defer close(chunks)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case chunks <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}

func (o *OllamaBackend) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := strings.TrimRight(o.baseURL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama at %s: %w", url, err)
	}
	return resp, nil
}

// extractContent pulls the assistant text from the known response shapes:
// {"message":{"content":...}}, OpenAI-style {"choices":[...]}, or the
// generate-endpoint {"response":...}.
func extractContent(data map[string]interface{}) string {
	if msg, ok := data["message"].(map[string]interface{}); ok {
		if content, ok := msg["content"].(string); ok {
			return content
		}
	}
	if choices, ok := data["choices"].([]interface{}); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if msg, ok := choice["message"].(map[string]interface{}); ok {
				if content, ok := msg["content"].(string); ok {
					return content
				}
			}
		}
	}
	if response, ok := data["response"].(string); ok {
		return response
	}
	return ""
}
