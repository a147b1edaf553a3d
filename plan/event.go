package plan

import (
	"github.com/google/uuid"
)

// EventType enumerates the transcript event kinds.
type EventType string

const (
	EventPlanCreated   EventType = "plan.created"
	EventPlanStarted   EventType = "plan.started"
	EventPlanDone      EventType = "plan.done"
	EventPlanFailed    EventType = "plan.failed"
	EventPlanRevised   EventType = "plan.revised"
	EventPlanRevisedTo EventType = "plan.revised_to"

	EventStepStarted EventType = "step.started"
	EventStepDone    EventType = "step.done"
	EventStepFailed  EventType = "step.failed"

	EventChatUser      EventType = "chat.user"
	EventChatAssistant EventType = "chat.assistant"
)

// Event is one append-only transcript record. Events are derived state: the
// authoritative step/plan rows live in the store, the transcript is the
// ordered history.
type Event struct {
	ID      string                 `json:"id"`
	TS      int64                  `json:"ts"` // ms since epoch
	Type    EventType              `json:"type"`
	PlanID  string                 `json:"plan_id"`
	StepID  string                 `json:"step_id,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent creates a timestamped event for a plan.
func NewEvent(typ EventType, planID string, payload map[string]interface{}) *Event {
	return &Event{
		ID:      uuid.New().String(),
		TS:      NowMillis(),
		Type:    typ,
		PlanID:  planID,
		Payload: payload,
	}
}

// NewStepEvent creates a timestamped event attributed to a step.
func NewStepEvent(typ EventType, planID, stepID string, payload map[string]interface{}) *Event {
	ev := NewEvent(typ, planID, payload)
	ev.StepID = stepID
	return ev
}
