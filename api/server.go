// Package api exposes the runtime over HTTP: plan submission, fetch, run,
// direct capability invocation, the agent entry points, and transcript
// summaries. Transport concerns (request ids, body limits, rate limiting,
// CORS, logging, tracing) live in the middleware chain.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/knothic/anvil/agent"
	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/executor"
	"github.com/knothic/anvil/store"
	"github.com/knothic/anvil/tools"
)

// Server hosts the HTTP API.
type Server struct {
	config   *core.Config
	store    *store.Store
	registry *tools.Registry
	executor *executor.Executor
	agent    *agent.Agent
	logger   core.Logger

	httpServer *http.Server
}

// NewServer assembles the API server and its middleware chain.
func NewServer(cfg *core.Config, st *store.Store, registry *tools.Registry, exec *executor.Executor, ag *agent.Agent, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	s := &Server{
		config:   cfg,
		store:    st,
		registry: registry,
		executor: exec,
		agent:    ag,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/plans", s.handlePlanList)
	mux.HandleFunc("POST /v1/plan/submit", s.handlePlanSubmit)
	mux.HandleFunc("GET /v1/plan/{id}", s.handlePlanGet)
	mux.HandleFunc("POST /v1/plan/{id}/run", s.handlePlanRun)
	mux.HandleFunc("POST /v1/plan/{id}/cancel", s.handlePlanCancel)
	mux.HandleFunc("GET /v1/plan/{id}/summary", s.handlePlanSummary)
	mux.HandleFunc("POST /v1/act", s.handleAct)
	mux.HandleFunc("POST /v1/agent/execute", s.handleAgentExecute)
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	rateLimiter := core.NewRateLimiter(cfg.HTTP.RateLimitGlobalPerMin, cfg.HTTP.RateLimitChatPerMin)

	var handler http.Handler = mux
	handler = core.LoggingMiddleware(logger, cfg.Env == "dev")(handler)
	handler = core.CORSMiddleware(cfg.HTTP.AllowedOrigins)(handler)
	handler = rateLimiter.Middleware()(handler)
	handler = core.BodySizeLimitMiddleware(cfg.HTTP.MaxBodyBytes)(handler)
	handler = core.RequestIDMiddleware()(handler)
	handler = otelhttp.NewHandler(handler, "anvil-api")

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.RequestTimeout,
		WriteTimeout: cfg.HTTP.RequestTimeout,
	}

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", map[string]interface{}{
		"addr": s.httpServer.Addr,
		"env":  s.config.Env,
	})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the assembled handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
