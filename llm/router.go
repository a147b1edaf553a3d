package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/store"
	"github.com/knothic/anvil/telemetry"
)

// budgetCounterTTL keeps daily accumulators around long enough to span the
// day they count, with slack for clock skew.
const budgetCounterTTL = 48 * time.Hour

// costPerToken approximates USD cost for budget projection. Local models
// are effectively free; the non-zero default keeps the USD ceiling
// meaningful when one is configured.
var costPerToken = map[string]float64{
	"default": 0.0000002,
}

// Router applies the allow-list, daily budgets and the response cache in
// front of a backend.
type Router struct {
	backend Backend
	cache   store.Cache
	config  *core.Config
	logger  core.Logger
}

// NewRouter creates a router over the given backend and shared cache.
func NewRouter(backend Backend, cache store.Cache, cfg *core.Config, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Router{
		backend: backend,
		cache:   cache,
		config:  cfg,
		logger:  logger,
	}
}

// Chat runs one chat completion through policy, cache and backend.
func (r *Router) Chat(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (string, error) {
	if model == "" {
		model = r.config.LLM.DefaultModel
	}

	if err := r.checkAllowlist(model); err != nil {
		return "", err
	}

	prompt := promptText(messages)
	projected := r.projectedTokens(prompt, maxTokens)
	if err := r.checkBudget(ctx, model, projected); err != nil {
		return "", err
	}

	key := cacheKey(prompt, systemText(messages), "", model)
	if cached, hit, err := r.cache.CacheGet(ctx, key); err == nil && hit {
		telemetry.AddSpanEvent(ctx, "llm_cache_hit", attribute.String("model", model))
		r.logger.DebugWithContext(ctx, "LLM cache hit", map[string]interface{}{"model": model})
		return cached, nil
	}

	start := time.Now()
	text, err := r.backend.Chat(ctx, messages, model, temperature, maxTokens)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		return "", fmt.Errorf("backend %s: %w", r.backend.Name(), err)
	}

	r.logger.InfoWithContext(ctx, "LLM chat completed", map[string]interface{}{
		"backend":     r.backend.Name(),
		"model":       model,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	r.recordUsage(ctx, model, projected)

	if err := r.cache.CachePut(ctx, key, text, r.config.LLM.CacheTTL, map[string]string{"model": model}); err != nil {
		r.logger.Warn("Failed to cache LLM response", map[string]interface{}{"error": err.Error()})
	}
	return text, nil
}

// StreamChat runs a streaming completion through the same policy gates.
// Streams are not cached.
func (r *Router) StreamChat(ctx context.Context, messages []Message, model string, temperature float64) (<-chan string, error) {
	if model == "" {
		model = r.config.LLM.DefaultModel
	}

	if err := r.checkAllowlist(model); err != nil {
		return nil, err
	}

	projected := r.projectedTokens(promptText(messages), 0)
	if err := r.checkBudget(ctx, model, projected); err != nil {
		return nil, err
	}

	chunks, err := r.backend.StreamChat(ctx, messages, model, temperature)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", r.backend.Name(), err)
	}

	r.recordUsage(ctx, model, projected)
	return chunks, nil
}

// checkAllowlist rejects models outside MODEL_ALLOWLIST before any backend
// work. An empty allow-list admits everything.
func (r *Router) checkAllowlist(model string) error {
	allowlist := r.config.LLM.ModelAllowlist
	if len(allowlist) == 0 {
		return nil
	}
	for _, allowed := range allowlist {
		if allowed == model {
			return nil
		}
	}
	return fmt.Errorf("model %s: %w", model, core.ErrModelNotAllowed)
}

// projectedTokens approximates usage as len(prompt)/4 input plus the output
// ceiling.
func (r *Router) projectedTokens(prompt string, maxTokens int) int64 {
	return int64(len(prompt)/4 + maxTokens)
}

// checkBudget rejects the request when projected usage would cross either
// daily ceiling. Accumulators live in the cache keyspace so increments
// serialize in the store.
func (r *Router) checkBudget(ctx context.Context, model string, projected int64) error {
	day := time.Now().UTC().Format("2006-01-02")

	if limit := r.config.LLM.DailyTokenBudget; limit > 0 {
		used, err := r.counterValue(ctx, "budget_tokens:"+day)
		if err != nil {
			return err
		}
		if used+float64(projected) > float64(limit) {
			return fmt.Errorf("daily token budget %d: %w", limit, core.ErrBudgetExceeded)
		}
	}

	if limit := r.config.LLM.DailyUSDBudget; limit > 0 {
		used, err := r.counterValue(ctx, "budget:"+day)
		if err != nil {
			return err
		}
		if used+r.estimateCost(model, projected) > limit {
			return fmt.Errorf("daily USD budget %.2f: %w", limit, core.ErrBudgetExceeded)
		}
	}
	return nil
}

// recordUsage adds the projected usage to the daily accumulators.
func (r *Router) recordUsage(ctx context.Context, model string, projected int64) {
	day := time.Now().UTC().Format("2006-01-02")
	if _, err := r.cache.CacheIncrFloat(ctx, "budget_tokens:"+day, float64(projected), budgetCounterTTL); err != nil {
		r.logger.Warn("Failed to record token usage", map[string]interface{}{"error": err.Error()})
	}
	if _, err := r.cache.CacheIncrFloat(ctx, "budget:"+day, r.estimateCost(model, projected), budgetCounterTTL); err != nil {
		r.logger.Warn("Failed to record cost usage", map[string]interface{}{"error": err.Error()})
	}
}

func (r *Router) counterValue(ctx context.Context, key string) (float64, error) {
	raw, ok, err := r.cache.CacheGet(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var value float64
	if _, err := fmt.Sscanf(raw, "%g", &value); err != nil {
		return 0, nil
	}
	return value, nil
}

func (r *Router) estimateCost(model string, tokens int64) float64 {
	rate, ok := costPerToken[model]
	if !ok {
		rate = costPerToken["default"]
	}
	return rate * float64(tokens)
}

// cacheKey is the deterministic response cache key: a hash over the prompt,
// the system text, the tool schema and the model name.
func cacheKey(prompt, system, toolSchema, model string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(toolSchema))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return "llm:" + hex.EncodeToString(h.Sum(nil))[:32]
}
