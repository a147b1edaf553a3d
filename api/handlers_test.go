package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knothic/anvil/agent"
	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/executor"
	"github.com/knothic/anvil/llm"
	"github.com/knothic/anvil/plan"
	"github.com/knothic/anvil/sandbox"
	"github.com/knothic/anvil/store"
	"github.com/knothic/anvil/tools"
)

func newTestServer(t *testing.T, mutate func(*core.Config)) (*Server, *store.Store) {
	t.Helper()

	cfg := core.DefaultConfig()
	cfg.Consent.Require = false
	cfg.LLM.OllamaBaseURL = "test://stub"
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureBaseSchema(context.Background()))

	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	registry := tools.Builtins(cfg, sb, nil)

	backend, err := llm.NewBackend(cfg, nil)
	require.NoError(t, err)
	router := llm.NewRouter(backend, st, cfg, nil)

	exec := executor.New(st, registry, cfg, nil)
	ag := agent.New(st, router, exec, registry, cfg, nil)

	return NewServer(cfg, st, registry, exec, ag, nil), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestConfigIsRedacted(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/config", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anvil", body["name"])
	assert.NotNil(t, body["exec_concurrency"])
}

func TestSubmitFetchRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/plan/submit", map[string]interface{}{
		"title": "demo",
		"steps": []map[string]interface{}{
			{"name": "w", "capability": "fs.write", "input": map[string]interface{}{"path": "a.txt", "content": "hi"}},
			{"name": "r", "capability": "fs.read", "deps": []string{"0"}, "input": map[string]interface{}{"path": "a.txt"}},
		},
		"metadata": map[string]interface{}{"origin": "test"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	planID := body["plan_id"].(string)
	stepIDs := body["steps"].([]interface{})
	require.Len(t, stepIDs, 2)
	assert.Equal(t, "DRAFT", body["state"])

	rec, body = doJSON(t, s.Handler(), http.MethodGet, "/v1/plan/"+planID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	steps := body["steps"].([]interface{})
	require.Len(t, steps, 2)
	second := steps[1].(map[string]interface{})
	deps := second["deps"].([]interface{})
	require.Len(t, deps, 1)
	assert.Equal(t, stepIDs[0], deps[0], "index deps resolved to identities")

	events := body["events"].([]interface{})
	require.NotEmpty(t, events)
	first := events[0].(map[string]interface{})
	assert.Equal(t, "plan.created", first["type"])
}

func TestSubmitRejectsCycleWithoutPersisting(t *testing.T) {
	s, st := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/plan/submit", map[string]interface{}{
		"title": "cycle",
		"steps": []map[string]interface{}{
			{"name": "a", "capability": "fs.read", "deps": []string{"1"}, "input": map[string]interface{}{"path": "x"}},
			{"name": "b", "capability": "fs.read", "deps": []string{"0"}, "input": map[string]interface{}{"path": "x"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PLAN_CYCLE", body["code"])
	assert.NotEmpty(t, body["request_id"])

	// Nothing reached the store.
	plans, err := st.ListPlans(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestSubmitRejectsUnknownDepReference(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/plan/submit", map[string]interface{}{
		"title": "bad-ref",
		"steps": []map[string]interface{}{
			{"name": "a", "capability": "fs.read", "deps": []string{"9"}, "input": map[string]interface{}{"path": "x"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_DEPENDENCY", body["code"])
}

func TestPlanNotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/plan/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestRunExecutesInBackground(t *testing.T) {
	s, st := newTestServer(t, nil)

	_, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/plan/submit", map[string]interface{}{
		"title": "bg",
		"steps": []map[string]interface{}{
			{"name": "w", "capability": "fs.write", "input": map[string]interface{}{"path": "bg.txt", "content": "x"}},
		},
	})
	planID := body["plan_id"].(string)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/plan/"+planID+"/run", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["scheduled"])

	require.Eventually(t, func() bool {
		p, err := st.GetPlan(context.Background(), planID)
		return err == nil && p.State == plan.PlanDone
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSummaryShape(t *testing.T) {
	s, _ := newTestServer(t, nil)

	_, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/plan/submit", map[string]interface{}{
		"title": "summary",
		"steps": []map[string]interface{}{
			{"name": "w", "capability": "fs.write", "input": map[string]interface{}{"path": "s.txt", "content": "x"}},
		},
	})
	planID := body["plan_id"].(string)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/plan/"+planID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "summary", body["title"])
	steps := body["steps"].([]interface{})
	require.Len(t, steps, 1)
	entry := steps[0].(map[string]interface{})
	assert.Equal(t, "fs.write", entry["capability"])
	assert.Equal(t, "PENDING", entry["state"])
}

func TestActInvokesCapabilitySynchronously(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/act", map[string]interface{}{
		"capability": "fs.write",
		"input":      map[string]interface{}{"path": "act.txt", "content": "direct"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	rec, body = doJSON(t, s.Handler(), http.MethodPost, "/v1/act", map[string]interface{}{
		"capability": "fs.read",
		"input":      map[string]interface{}{"path": "act.txt"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	output := body["output"].(map[string]interface{})
	assert.Equal(t, "direct", output["content"])
}

func TestActUnknownCapability(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/act", map[string]interface{}{
		"capability": "fs.teleport",
		"input":      map[string]interface{}{},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_CAPABILITY", body["code"])
}

func TestActConsentMandatoryInProductionMode(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *core.Config) {
		cfg.Consent.Require = true
		cfg.Consent.Auto = false
	})

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/act", map[string]interface{}{
		"capability": "fs.write",
		"input":      map[string]interface{}{"path": "a.txt", "content": "x"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CONSENT", body["code"])

	rec, _ = doJSON(t, s.Handler(), http.MethodPost, "/v1/act", map[string]interface{}{
		"capability":     "fs.write",
		"input":          map[string]interface{}{"path": "a.txt", "content": "x"},
		"consent_token":  "user",
		"consent_scopes": []string{"write_fs"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBodySizeLimit(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *core.Config) {
		cfg.HTTP.MaxBodyBytes = 64
	})

	big := make([]byte, 1024)
	req := httptest.NewRequest(http.MethodPost, "/v1/act", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *core.Config) {
		cfg.HTTP.RateLimitGlobalPerMin = 2
	})

	var last int
	for i := 0; i < 4; i++ {
		rec, _ := doJSON(t, s.Handler(), http.MethodGet, "/v1/config", nil)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// Health bypasses the limiter.
	rec, _ := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *core.Config) {
		cfg.HTTP.AllowedOrigins = []string{"http://localhost:3000"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/config", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/config", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestToolsEndpointListsCatalog(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	toolList := body["tools"].([]interface{})
	assert.Len(t, toolList, 11)
}

func TestChatEndpoint(t *testing.T) {
	s, st := newTestServer(t, nil)

	// The stub backend replies "stub-response", which is not JSON, so the
	// agent treats it as a direct natural-language response.
	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat", map[string]interface{}{
		"message": "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stub-response", body["reply"])

	sessionID := body["session_id"].(string)
	events, err := st.EventsForPlan(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAgentExecuteEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// The stub reply is unparseable, so the planner falls back to its
	// canned write+read plan, which executes against the sandbox.
	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/v1/agent/execute", map[string]interface{}{
		"goal": "write then read",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DONE", body["state"])
	assert.Equal(t, "write+read fallback", body["title"])
}
