// Package agent turns natural-language goals into plans and plan failures
// into revised plans. It is the only caller of the LLM router in the
// execution path.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/llm"
	"github.com/knothic/anvil/plan"
	"github.com/knothic/anvil/tools"
)

const plannerSystemPrompt = "You are a precise planning agent. Given a high-level goal and a list of " +
	"available tools, produce a minimal JSON plan with steps to achieve the goal. Output ONLY valid JSON."

const (
	plannerTemperature = 0.2
	reviseTemperature  = 0.1
	plannerMaxTokens   = 800
)

// planSchemaHint is the fixed JSON shape the model is asked to emit.
func planSchemaHint() string {
	return `{
  "title": "short title",
  "steps": [
    {"name": "step-name", "capability": "tool.name", "deps": [], "input": {}}
  ]
}`
}

// planDoc is the wire shape of a model-proposed plan.
type planDoc struct {
	Title string    `json:"title"`
	Steps []stepDoc `json:"steps"`
}

type stepDoc struct {
	Name       string                 `json:"name"`
	Capability string                 `json:"capability"`
	Deps       []string               `json:"deps"`
	Input      map[string]interface{} `json:"input"`
}

// ProposePlan asks the router for a plan toward the goal, restricted to the
// tools whose scopes have been granted. Model chatter around the JSON is
// tolerated; an unparseable response falls back to a trivial canned plan.
func (a *Agent) ProposePlan(ctx context.Context, goal string, grantedScopes []string) (*plan.Plan, error) {
	catalog := a.registry.Catalog(grantedScopes)
	messages := plannerMessages(goal, catalog)

	text, err := a.router.Chat(ctx, messages, "", plannerTemperature, plannerMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("proposing plan: %w", err)
	}

	doc := parsePlanJSON(text, a.logger)
	p := planFromDoc(doc, goal)
	if p.Title == "" {
		p.Title = "agent: " + truncate(goal, 48)
	}
	return p, nil
}

func plannerMessages(goal string, catalog []tools.CapabilityInfo) []llm.Message {
	toolsJSON, _ := json.Marshal(catalog)
	return []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: "Goal:\n" + goal +
			"\n\nAvailable tools (JSON) — you MUST only use tools from this allowlist:\n" + string(toolsJSON) +
			"\n\nRespond with ONLY valid JSON exactly matching this shape:\n" + planSchemaHint()},
	}
}

// parsePlanJSON extracts the substring between the first '{' and the last
// '}' so conversational wrappers do not break parsing. On failure it
// returns the canned write-then-read fallback carrying the raw text.
func parsePlanJSON(text string, logger core.Logger) planDoc {
	raw := text
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}

	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err == nil && len(doc.Steps) > 0 {
		return doc
	}

	logger.Warn("Plan JSON did not parse, using fallback plan", map[string]interface{}{
		"response_len": len(text),
	})
	return planDoc{
		Title: "write+read fallback",
		Steps: []stepDoc{
			{Name: "w", Capability: "fs.write", Input: map[string]interface{}{
				"path": "demo/agent.txt", "content": text,
			}},
			{Name: "r", Capability: "fs.read", Deps: []string{"0"}, Input: map[string]interface{}{
				"path": "demo/agent.txt",
			}},
		},
	}
}

// planFromDoc materializes a model-proposed plan. Index dep references are
// normalized before validation.
func planFromDoc(doc planDoc, goal string) *plan.Plan {
	steps := make([]*plan.Step, 0, len(doc.Steps))
	for _, sd := range doc.Steps {
		steps = append(steps, plan.NewStep(sd.Name, sd.Capability, sd.Input, sd.Deps...))
	}
	p := plan.New(doc.Title, steps...)
	p.Metadata = map[string]interface{}{"goal": goal}
	return p
}

// MissingScopesForPlan lists consent scopes the plan needs that the grant
// does not cover, for pre-flight consent prompts.
func (a *Agent) MissingScopesForPlan(p *plan.Plan, granted []string) []string {
	for _, g := range granted {
		if g == core.ScopeAll {
			return nil
		}
	}
	grantedSet := make(map[string]bool, len(granted))
	for _, g := range granted {
		grantedSet[g] = true
	}

	var missing []string
	seen := make(map[string]bool)
	for _, s := range p.Steps {
		cap, err := a.registry.Resolve(s.Capability.Name)
		if err != nil {
			continue
		}
		for _, scope := range cap.Scopes {
			if !grantedSet[scope] && !seen[scope] {
				seen[scope] = true
				missing = append(missing, scope)
			}
		}
	}
	return missing
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
