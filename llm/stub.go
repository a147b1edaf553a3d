package llm

import "context"

// StubBackend is the deterministic test backend selected by a base URL of
// "test://stub". It never touches the network.
type StubBackend struct{}

func (s *StubBackend) Name() string { return "stub" }

func (s *StubBackend) Chat(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error) {
	return "stub-response", nil
}

func (s *StubBackend) StreamChat(ctx context.Context, messages []Message, model string, temperature float64) (<-chan string, error) {
	chunks := make(chan string, 2)
	chunks <- "hello"
	chunks <- "world"
	close(chunks)
	return chunks, nil
}
