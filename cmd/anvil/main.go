// Command anvil runs the local-first agent runtime: durable store, sandboxed
// tool registry, plan executor, LLM router, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/knothic/anvil/agent"
	"github.com/knothic/anvil/api"
	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/executor"
	"github.com/knothic/anvil/llm"
	"github.com/knothic/anvil/sandbox"
	"github.com/knothic/anvil/store"
	"github.com/knothic/anvil/telemetry"
	"github.com/knothic/anvil/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "anvil: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger()

	provider, err := telemetry.Init(cfg.Telemetry, cfg.Name, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if err := st.EnsureBaseSchema(ctx); err != nil {
		return err
	}

	sb, err := sandbox.New(cfg.Sandbox.Root)
	if err != nil {
		return err
	}

	registry := tools.Builtins(cfg, sb, logger)

	var cache store.Cache = st
	if cfg.Cache.Backend == "redis" {
		redisCache, err := store.NewRedisCache(cfg.Cache.RedisURL, logger)
		if err != nil {
			return err
		}
		defer func() { _ = redisCache.Close() }()
		cache = redisCache
	}

	backend, err := llm.NewBackend(cfg, logger)
	if err != nil {
		return err
	}
	router := llm.NewRouter(backend, cache, cfg, logger)

	exec := executor.New(st, registry, cfg, logger)
	ag := agent.New(st, router, exec, registry, cfg, logger)

	server := api.NewServer(cfg, st, registry, exec, ag, logger)

	logger.Info("Runtime assembled", map[string]interface{}{
		"sandbox_root": sb.Root(),
		"db_path":      cfg.Store.DBPath,
		"llm_backend":  backend.Name(),
		"concurrency":  cfg.Executor.Concurrency,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	shutdownCtx := context.Background()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
