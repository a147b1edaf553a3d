package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/executor"
	"github.com/knothic/anvil/llm"
	"github.com/knothic/anvil/plan"
	"github.com/knothic/anvil/store"
	"github.com/knothic/anvil/tools"
)

const (
	// failureEventLimit bounds how many transcript events each failed step
	// contributes to the summary.
	failureEventLimit = 5
	// outputPreviewLimit caps preview fields lifted from step outputs.
	outputPreviewLimit = 512
)

// Agent wires the planner, the reflection loop and the executor together.
type Agent struct {
	store    *store.Store
	router   *llm.Router
	executor *executor.Executor
	registry *tools.Registry
	config   *core.Config
	logger   core.Logger
}

// New creates an agent.
func New(st *store.Store, router *llm.Router, exec *executor.Executor, registry *tools.Registry, cfg *core.Config, logger core.Logger) *Agent {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Agent{
		store:    st,
		router:   router,
		executor: exec,
		registry: registry,
		config:   cfg,
		logger:   logger,
	}
}

// Execute proposes a plan for the goal, runs it, and on failure revises and
// re-runs up to the configured iteration bound. It returns the final plan.
func (a *Agent) Execute(ctx context.Context, goal string, grantedScopes []string, token *core.ConsentToken) (*plan.Plan, error) {
	p, err := a.ProposePlan(ctx, goal, grantedScopes)
	if err != nil {
		return nil, err
	}
	if err := a.persistNewPlan(ctx, p); err != nil {
		return nil, err
	}

	if err := a.executor.Run(ctx, p, token); err != nil {
		return p, err
	}

	for iteration := 0; p.State == plan.PlanFailed && iteration < a.config.Reflection.MaxIterations; iteration++ {
		revised, err := a.Reflect(ctx, goal, p, token)
		if err != nil {
			// Inability to revise (budget, allow-list, backend down) leaves
			// the failed plan as the outcome.
			a.logger.WarnWithContext(ctx, "Reflection failed", map[string]interface{}{
				"plan_id":   p.ID,
				"iteration": iteration,
				"error":     err.Error(),
			})
			return p, nil
		}
		p = revised
	}
	return p, nil
}

// Reflect builds a failure summary for the failed plan, asks the router for
// a revised plan, persists it as a new plan linked to its parent in both
// directions, and executes it.
func (a *Agent) Reflect(ctx context.Context, goal string, failed *plan.Plan, token *core.ConsentToken) (*plan.Plan, error) {
	summary, err := a.FailureSummary(ctx, failed)
	if err != nil {
		return nil, err
	}

	revised, err := a.proposeRevision(ctx, goal, failed, summary)
	if err != nil {
		return nil, err
	}

	if err := a.persistNewPlan(ctx, revised); err != nil {
		return nil, err
	}

	// Link both directions: the child records why it exists, the parent
	// records where execution moved.
	if err := a.store.AppendEvent(ctx, plan.NewEvent(plan.EventPlanRevised, revised.ID,
		map[string]interface{}{
			"parent_plan_id": failed.ID,
			"failure":        summary,
		})); err != nil {
		return nil, err
	}
	if err := a.store.AppendEvent(ctx, plan.NewEvent(plan.EventPlanRevisedTo, failed.ID,
		map[string]interface{}{
			"child_plan_id": revised.ID,
		})); err != nil {
		return nil, err
	}

	a.logger.InfoWithContext(ctx, "Plan revised after failure", map[string]interface{}{
		"parent_plan_id": failed.ID,
		"child_plan_id":  revised.ID,
	})

	if err := a.executor.Run(ctx, revised, token); err != nil {
		return revised, err
	}
	return revised, nil
}

// FailureSummary condenses a failed plan for the revision prompt: each
// failed step contributes its identity, error, recent transcript events and
// short previews of any textual output fields.
func (a *Agent) FailureSummary(ctx context.Context, p *plan.Plan) (map[string]interface{}, error) {
	var failedSteps []map[string]interface{}
	for _, s := range p.FailedSteps() {
		events, err := a.store.EventsForStep(ctx, p.ID, s.ID, failureEventLimit)
		if err != nil {
			return nil, err
		}
		eventDocs := make([]map[string]interface{}, 0, len(events))
		for _, ev := range events {
			eventDocs = append(eventDocs, map[string]interface{}{
				"type":    string(ev.Type),
				"ts":      ev.TS,
				"payload": ev.Payload,
			})
		}

		failedSteps = append(failedSteps, map[string]interface{}{
			"id":              s.ID,
			"name":            s.Name,
			"capability":      s.Capability.Name,
			"error":           s.Error,
			"events":          eventDocs,
			"output_previews": outputPreviews(s.Output),
		})
	}

	return map[string]interface{}{
		"plan_id":      p.ID,
		"title":        p.Title,
		"failed_steps": failedSteps,
	}, nil
}

// outputPreviews lifts the conventional textual fields out of a step output,
// truncated to the preview limit.
func outputPreviews(output map[string]interface{}) map[string]string {
	previews := make(map[string]string)
	for _, field := range []string{"stdout", "stderr", "text", "content"} {
		if v, ok := output[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				previews[field] = truncate(s, outputPreviewLimit)
			}
		}
	}
	return previews
}

func (a *Agent) proposeRevision(ctx context.Context, goal string, prev *plan.Plan, summary map[string]interface{}) (*plan.Plan, error) {
	prevDoc := planDoc{Title: prev.Title}
	for _, s := range prev.Steps {
		prevDoc.Steps = append(prevDoc.Steps, stepDoc{
			Name:       s.Name,
			Capability: s.Capability.Name,
			Deps:       s.Deps,
			Input:      s.Input,
		})
	}
	prevJSON, _ := json.Marshal(prevDoc)
	summaryJSON, _ := json.Marshal(summary)

	messages := []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: "Goal:\n" + goal},
		{Role: "user", Content: "Previous plan JSON:\n" + string(prevJSON)},
		{Role: "user", Content: "Failure summary:\n" + string(summaryJSON) +
			"\nRevise the plan JSON to fix the issue. Output ONLY valid JSON."},
	}

	text, err := a.router.Chat(ctx, messages, "", reviseTemperature, plannerMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("revising plan: %w", err)
	}

	doc := parsePlanJSON(text, a.logger)
	revised := planFromDoc(doc, goal)
	if revised.Title == "" {
		revised.Title = prev.Title
	}
	revised.Metadata["parent_plan_id"] = prev.ID
	return revised, nil
}

// persistNewPlan normalizes, validates, stores and announces a new plan.
func (a *Agent) persistNewPlan(ctx context.Context, p *plan.Plan) error {
	if err := p.NormalizeDeps(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := a.store.SavePlan(ctx, p); err != nil {
		return err
	}
	return a.store.AppendEvent(ctx, plan.NewEvent(plan.EventPlanCreated, p.ID,
		map[string]interface{}{"title": p.Title}))
}
