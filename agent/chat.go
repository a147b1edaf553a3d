package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/llm"
	"github.com/knothic/anvil/plan"
)

const chatSystemPrompt = "You are a helpful local-first agent. You can: (1) ask a clarifying question, " +
	"(2) produce a plan JSON to act using allowed tools, (3) directly respond in natural language. " +
	`Always return ONLY valid JSON of the shape: {"action": "ask|plan|respond", "message": string, ` +
	`"plan": {title, steps[]} (when action=plan)}.`

// ChatResult is the outcome of one conversational turn.
type ChatResult struct {
	SessionID       string     `json:"session_id"`
	Reply           string     `json:"reply"`
	RequiresInput   bool       `json:"requires_input,omitempty"`
	RequiresConsent bool       `json:"requires_consent,omitempty"`
	MissingScopes   []string   `json:"missing_scopes,omitempty"`
	Plan            *plan.Plan `json:"-"`
}

// chatIntent is the wire shape the model is asked to emit for a turn.
type chatIntent struct {
	Action  string          `json:"action"`
	Message string          `json:"message"`
	Plan    json.RawMessage `json:"plan"`
}

// Chat handles one natural-language turn. Both sides of the exchange are
// recorded as chat events on a per-session transcript anchor, so sessions
// replay like plans do. When the model decides to act, the proposed plan is
// returned for the caller to run (after any missing consent is resolved).
func (a *Agent) Chat(ctx context.Context, userText, sessionID string, grantedScopes []string) (*ChatResult, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	anchor, err := a.ensureSessionAnchor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := a.store.AppendEvent(ctx, plan.NewEvent(plan.EventChatUser, anchor.ID,
		map[string]interface{}{"text": userText})); err != nil {
		return nil, err
	}

	catalog := a.registry.Catalog(grantedScopes)
	toolsJSON, _ := json.Marshal(catalog)
	messages := []llm.Message{
		{Role: "system", Content: chatSystemPrompt},
		{Role: "user", Content: "User message:\n" + userText +
			"\nAllowed tools (JSON):\n" + string(toolsJSON) +
			"\nReturn only a JSON object: {action, message, plan?}."},
	}

	text, err := a.router.Chat(ctx, messages, "", plannerTemperature, plannerMaxTokens)
	if err != nil {
		return nil, err
	}

	intent := parseChatIntent(text)
	result := &ChatResult{SessionID: sessionID, Reply: intent.Message}

	switch intent.Action {
	case "ask":
		if result.Reply == "" {
			result.Reply = "I need more information."
		}
		result.RequiresInput = true
	case "plan":
		goal := intent.Message
		if goal == "" {
			goal = userText
		}
		p, err := a.ProposePlan(ctx, goal, grantedScopes)
		if err != nil {
			return nil, err
		}
		if missing := a.MissingScopesForPlan(p, grantedScopes); len(missing) > 0 {
			result.Reply = "This action requires additional consent scopes."
			result.RequiresConsent = true
			result.MissingScopes = missing
		} else {
			if err := a.persistNewPlan(ctx, p); err != nil {
				return nil, err
			}
			result.Reply = "Executing plan: " + p.Title
			result.Plan = p
		}
	}

	if err := a.store.AppendEvent(ctx, plan.NewEvent(plan.EventChatAssistant, anchor.ID,
		map[string]interface{}{"text": result.Reply})); err != nil {
		return nil, err
	}
	return result, nil
}

// parseChatIntent tolerates chatter the same way the planner does; anything
// unparseable becomes a direct natural-language response.
func parseChatIntent(text string) chatIntent {
	raw := text
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	var intent chatIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return chatIntent{Action: "respond", Message: truncate(strings.TrimSpace(text), 1000)}
	}
	intent.Action = strings.ToLower(intent.Action)
	if intent.Action != "ask" && intent.Action != "plan" {
		intent.Action = "respond"
	}
	return intent
}

// ensureSessionAnchor creates (or loads) the draft plan a chat session hangs
// its transcript on.
func (a *Agent) ensureSessionAnchor(ctx context.Context, sessionID string) (*plan.Plan, error) {
	if existing, err := a.store.GetPlan(ctx, sessionID); err == nil {
		return existing, nil
	} else if !core.IsNotFound(err) {
		return nil, err
	}

	anchor := plan.New("chat session")
	anchor.ID = sessionID
	anchor.Metadata = map[string]interface{}{"session": true}
	if err := a.store.SavePlan(ctx, anchor); err != nil {
		return nil, err
	}
	return anchor, nil
}
