package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/plan"
)

// submitRequest is the plan submission body. Step deps may reference other
// steps by decimal index into the list or by identity.
type submitRequest struct {
	Title    string                 `json:"title"`
	Steps    []submitStep           `json:"steps"`
	Metadata map[string]interface{} `json:"metadata"`
}

type submitStep struct {
	Name       string                 `json:"name"`
	Capability string                 `json:"capability"`
	Input      map[string]interface{} `json:"input"`
	Deps       []string               `json:"deps"`
	Guard      *plan.Guard            `json:"guard"`
}

type consentRequest struct {
	ConsentToken  string   `json:"consent_token"`
	ConsentScopes []string `json:"consent_scopes"`
}

func (c consentRequest) token() *core.ConsentToken {
	if c.ConsentToken == "" && len(c.ConsentScopes) == 0 {
		return nil
	}
	scopes := c.ConsentScopes
	if len(scopes) == 0 {
		scopes = []string{core.ScopeAll}
	}
	name := c.ConsentToken
	if name == "" {
		name = "user"
	}
	return core.NewConsentToken(name, scopes...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, s.config.Redacted())
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tools": s.registry.Catalog(nil),
	})
}

func (s *Server) handlePlanSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, r, http.StatusBadRequest, "invalid JSON body", "BAD_REQUEST")
		return
	}

	steps := make([]*plan.Step, 0, len(req.Steps))
	for _, sd := range req.Steps {
		if sd.Capability == "" {
			core.WriteError(w, r, http.StatusBadRequest, "step capability is required", "BAD_REQUEST")
			return
		}
		st := plan.NewStep(sd.Name, sd.Capability, sd.Input, sd.Deps...)
		if sd.Guard != nil {
			st.Guard = *sd.Guard
		}
		steps = append(steps, st)
	}

	p := plan.New(req.Title, steps...)
	p.Metadata = req.Metadata

	// Index refs become identities, then the DAG is checked — all before
	// anything touches the store.
	if err := p.NormalizeDeps(); err != nil {
		core.WriteError(w, r, http.StatusBadRequest, err.Error(), "BAD_DEPENDENCY")
		return
	}
	if err := p.Validate(); err != nil {
		code := "INVALID_PLAN"
		if errors.Is(err, core.ErrPlanCycle) {
			code = "PLAN_CYCLE"
		}
		core.WriteError(w, r, http.StatusBadRequest, err.Error(), code)
		return
	}

	if err := s.store.SavePlan(r.Context(), p); err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.store.AppendEvent(r.Context(), plan.NewEvent(plan.EventPlanCreated, p.ID,
		map[string]interface{}{"title": p.Title})); err != nil {
		s.internalError(w, r, err)
		return
	}

	stepIDs := make([]string, 0, len(p.Steps))
	for _, st := range p.Steps {
		stepIDs = append(stepIDs, st.ID)
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id": p.ID,
		"state":   p.State,
		"steps":   stepIDs,
	})
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	plans, err := s.store.ListPlans(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.LoadPlan(r.Context(), id)
	if err != nil {
		s.planError(w, r, err)
		return
	}
	events, err := s.store.EventsForPlan(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"plan":   p,
		"steps":  p.Steps,
		"events": events,
	})
}

func (s *Server) handlePlanRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req consentRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if _, err := s.store.GetPlan(r.Context(), id); err != nil {
		s.planError(w, r, err)
		return
	}

	token := req.token()
	go func() {
		// Execution outlives the request; correlate its logs with the
		// request that scheduled it.
		ctx := core.WithRequestID(context.Background(), core.RequestIDFromContext(r.Context()))
		if _, err := s.executor.RunByID(ctx, id, token); err != nil {
			s.logger.Error("Background plan run failed", map[string]interface{}{
				"plan_id": id,
				"error":   err.Error(),
			})
		}
	}()

	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id":   id,
		"scheduled": true,
	})
}

func (s *Server) handlePlanCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetPlan(r.Context(), id); err != nil {
		s.planError(w, r, err)
		return
	}
	s.executor.Cancel(id)
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id":   id,
		"cancelled": true,
	})
}

func (s *Server) handlePlanSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.LoadPlan(r.Context(), id)
	if err != nil {
		s.planError(w, r, err)
		return
	}

	steps := make([]map[string]interface{}, 0, len(p.Steps))
	for _, st := range p.Steps {
		steps = append(steps, map[string]interface{}{
			"id":             st.ID,
			"name":           st.Name,
			"capability":     st.Capability.Name,
			"deps":           st.Deps,
			"state":          st.State,
			"error":          st.Error,
			"output_preview": outputPreview(st.Output),
		})
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id": p.ID,
		"title":   p.Title,
		"state":   p.State,
		"steps":   steps,
	})
}

type actRequest struct {
	Capability string                 `json:"capability"`
	Input      map[string]interface{} `json:"input"`
	consentRequest
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	var req actRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, r, http.StatusBadRequest, "invalid JSON body", "BAD_REQUEST")
		return
	}

	cap, err := s.registry.Resolve(req.Capability)
	if err != nil {
		core.WriteError(w, r, http.StatusNotFound, err.Error(), "UNKNOWN_CAPABILITY")
		return
	}

	output, err := cap.Fn(r.Context(), req.Input, req.token())
	if err != nil {
		status, code := errorStatus(err)
		core.WriteError(w, r, status, err.Error(), code)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"output": output,
	})
}

type agentExecuteRequest struct {
	Goal   string   `json:"goal"`
	Scopes []string `json:"scopes"`
	consentRequest
}

func (s *Server) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	var req agentExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, r, http.StatusBadRequest, "invalid JSON body", "BAD_REQUEST")
		return
	}
	if req.Goal == "" {
		core.WriteError(w, r, http.StatusBadRequest, "goal is required", "BAD_REQUEST")
		return
	}

	p, err := s.agent.Execute(r.Context(), req.Goal, req.Scopes, req.token())
	if err != nil {
		status, code := errorStatus(err)
		core.WriteError(w, r, status, err.Error(), code)
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id": p.ID,
		"state":   p.State,
		"title":   p.Title,
	})
}

type chatRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id"`
	Scopes    []string `json:"scopes"`
	consentRequest
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.WriteError(w, r, http.StatusBadRequest, "invalid JSON body", "BAD_REQUEST")
		return
	}
	if req.Message == "" {
		core.WriteError(w, r, http.StatusBadRequest, "message is required", "BAD_REQUEST")
		return
	}

	result, err := s.agent.Chat(r.Context(), req.Message, req.SessionID, req.Scopes)
	if err != nil {
		status, code := errorStatus(err)
		core.WriteError(w, r, status, err.Error(), code)
		return
	}

	resp := map[string]interface{}{
		"session_id": result.SessionID,
		"reply":      result.Reply,
	}
	if result.RequiresInput {
		resp["requires_input"] = true
	}
	if result.RequiresConsent {
		resp["requires_consent"] = true
		resp["missing_scopes"] = result.MissingScopes
	}

	if result.Plan != nil {
		resp["plan_id"] = result.Plan.ID
		p := result.Plan
		token := req.token()
		go func() {
			ctx := core.WithRequestID(context.Background(), core.RequestIDFromContext(r.Context()))
			if err := s.executor.Run(ctx, p, token); err != nil {
				s.logger.Error("Background chat plan run failed", map[string]interface{}{
					"plan_id": p.ID,
					"error":   err.Error(),
				})
			}
		}()
	}

	core.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) planError(w http.ResponseWriter, r *http.Request, err error) {
	if core.IsNotFound(err) {
		core.WriteError(w, r, http.StatusNotFound, err.Error(), "NOT_FOUND")
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorWithContext(r.Context(), "Internal error", map[string]interface{}{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
	core.WriteError(w, r, http.StatusInternalServerError, "internal error", "INTERNAL")
}

// errorStatus maps error kinds to HTTP responses.
func errorStatus(err error) (int, string) {
	switch {
	case core.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case core.IsConsentError(err):
		return http.StatusForbidden, "CONSENT"
	case core.IsSandboxViolation(err):
		return http.StatusBadRequest, "SANDBOX"
	case errors.Is(err, core.ErrModelNotAllowed):
		return http.StatusBadRequest, "MODEL_NOT_ALLOWED"
	case errors.Is(err, core.ErrBudgetExceeded):
		return http.StatusTooManyRequests, "BUDGET_EXCEEDED"
	case errors.Is(err, core.ErrUnknownCapability):
		return http.StatusNotFound, "UNKNOWN_CAPABILITY"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// outputPreview renders a short preview of a step output for summaries.
func outputPreview(output map[string]interface{}) string {
	for _, field := range []string{"content", "stdout", "text"} {
		if v, ok := output[field]; ok {
			if str, ok := v.(string); ok && str != "" {
				if len(str) > 200 {
					return str[:200]
				}
				return str
			}
		}
	}
	if len(output) == 0 {
		return ""
	}
	data, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}
