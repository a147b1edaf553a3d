package llm

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/store"
)

// countingBackend records calls and returns scripted text.
type countingBackend struct {
	calls atomic.Int32
	text  string
}

func (c *countingBackend) Name() string { return "counting" }

func (c *countingBackend) Chat(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error) {
	c.calls.Add(1)
	return c.text, nil
}

func (c *countingBackend) StreamChat(ctx context.Context, messages []Message, model string, temperature float64) (<-chan string, error) {
	c.calls.Add(1)
	chunks := make(chan string, 1)
	chunks <- c.text
	close(chunks)
	return chunks, nil
}

func newRouter(t *testing.T, backend Backend, mutate func(*core.Config)) *Router {
	t.Helper()

	cfg := core.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "llm.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureBaseSchema(context.Background()))

	return NewRouter(backend, st, cfg, nil)
}

func userMessage(text string) []Message {
	return []Message{{Role: "user", Content: text}}
}

func TestStubBackendIsDeterministic(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.LLM.OllamaBaseURL = "test://stub"

	backend, err := NewBackend(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "stub", backend.Name())

	text, err := backend.Chat(context.Background(), userMessage("anything"), "m", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "stub-response", text)

	chunks, err := backend.StreamChat(context.Background(), userMessage("anything"), "m", 0)
	require.NoError(t, err)
	var collected []string
	for chunk := range chunks {
		collected = append(collected, chunk)
	}
	assert.Equal(t, []string{"hello", "world"}, collected)
}

func TestAllowlistRejectsBeforeBackend(t *testing.T) {
	backend := &countingBackend{text: "never"}
	router := newRouter(t, backend, func(cfg *core.Config) {
		cfg.LLM.ModelAllowlist = []string{"a"}
	})

	_, err := router.Chat(context.Background(), userMessage("hi"), "b", 0.2, 100)
	assert.ErrorIs(t, err, core.ErrModelNotAllowed)
	assert.Equal(t, int32(0), backend.calls.Load(), "no backend contact on allow-list miss")

	_, err = router.Chat(context.Background(), userMessage("hi"), "a", 0.2, 100)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestChatCachesResponses(t *testing.T) {
	backend := &countingBackend{text: "cached answer"}
	router := newRouter(t, backend, nil)

	ctx := context.Background()
	first, err := router.Chat(ctx, userMessage("same prompt"), "m", 0.2, 100)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", first)

	second, err := router.Chat(ctx, userMessage("same prompt"), "m", 0.2, 100)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), backend.calls.Load(), "second call served from cache")

	// A different model misses the cache.
	_, err = router.Chat(ctx, userMessage("same prompt"), "other", 0.2, 100)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	backend := &countingBackend{text: "short-lived"}
	router := newRouter(t, backend, func(cfg *core.Config) {
		cfg.LLM.CacheTTL = 60 * time.Millisecond
	})

	ctx := context.Background()
	_, err := router.Chat(ctx, userMessage("p"), "m", 0.2, 10)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = router.Chat(ctx, userMessage("p"), "m", 0.2, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestDailyTokenBudget(t *testing.T) {
	backend := &countingBackend{text: "ok"}
	router := newRouter(t, backend, func(cfg *core.Config) {
		cfg.LLM.DailyTokenBudget = 150
	})

	ctx := context.Background()

	// Projected usage = len(prompt)/4 + maxTokens = 100.
	_, err := router.Chat(ctx, userMessage("xxxx"), "m", 0.2, 99)
	require.NoError(t, err)

	// Second request would cross the ceiling.
	_, err = router.Chat(ctx, userMessage("yyyy"), "m", 0.2, 99)
	assert.ErrorIs(t, err, core.ErrBudgetExceeded)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestDailyUSDBudget(t *testing.T) {
	backend := &countingBackend{text: "ok"}
	router := newRouter(t, backend, func(cfg *core.Config) {
		cfg.LLM.DailyUSDBudget = 0.000001
	})

	// Projection alone exceeds the tiny ceiling.
	_, err := router.Chat(context.Background(), userMessage("a very long prompt that projects enough tokens to cost something"), "m", 0.2, 100000)
	assert.ErrorIs(t, err, core.ErrBudgetExceeded)
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestStreamChatDeliversOrderedChunks(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.LLM.OllamaBaseURL = "test://stub"
	backend, err := NewBackend(cfg, nil)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "stream.db"), nil)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.NoError(t, st.EnsureBaseSchema(context.Background()))

	router := NewRouter(backend, st, cfg, nil)

	chunks, err := router.StreamChat(context.Background(), userMessage("hi"), "m", 0.2)
	require.NoError(t, err)

	var collected []string
	for chunk := range chunks {
		collected = append(collected, chunk)
	}
	assert.Equal(t, []string{"hello", "world"}, collected)
}

func TestDefaultModelApplied(t *testing.T) {
	backend := &countingBackend{text: "ok"}
	router := newRouter(t, backend, func(cfg *core.Config) {
		cfg.LLM.DefaultModel = "fallback-model"
		cfg.LLM.ModelAllowlist = []string{"fallback-model"}
	})

	_, err := router.Chat(context.Background(), userMessage("hi"), "", 0.2, 10)
	assert.NoError(t, err, "empty model resolves to the configured default")
}
