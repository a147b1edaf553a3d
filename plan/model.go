// Package plan defines the Plan/Step data model executed by the runtime:
// a directed acyclic graph of tool invocations with per-step retry guards,
// plus the append-only event records forming the execution transcript.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knothic/anvil/core"
)

// PlanState represents the lifecycle state of a plan.
type PlanState string

const (
	PlanDraft     PlanState = "DRAFT"
	PlanQueued    PlanState = "QUEUED"
	PlanRunning   PlanState = "RUNNING"
	PlanPaused    PlanState = "PAUSED"
	PlanDone      PlanState = "DONE"
	PlanFailed    PlanState = "FAILED"
	PlanCancelled PlanState = "CANCELLED"
)

// transitionTable lists the legal plan state transitions.
var transitionTable = map[PlanState][]PlanState{
	PlanDraft:     {PlanQueued, PlanRunning, PlanCancelled},
	PlanQueued:    {PlanRunning, PlanPaused, PlanCancelled},
	PlanRunning:   {PlanPaused, PlanDone, PlanFailed, PlanCancelled},
	PlanPaused:    {PlanRunning, PlanDone, PlanFailed, PlanCancelled},
	PlanDone:      {},
	PlanFailed:    {},
	PlanCancelled: {},
}

// StepState represents the lifecycle state of a step.
type StepState string

const (
	StepPending StepState = "PENDING"
	StepRunning StepState = "RUNNING"
	StepBlocked StepState = "BLOCKED"
	StepDone    StepState = "DONE"
	StepFailed  StepState = "FAILED"
	StepSkipped StepState = "SKIPPED"
)

// IsTerminal reports whether a step needs no further scheduling.
func (s StepState) IsTerminal() bool {
	return s == StepDone || s == StepFailed || s == StepSkipped
}

// CapabilityRef names the tool a step invokes and the consent scopes it
// requires.
type CapabilityRef struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`
}

// Budget caps resource usage. Zero means unlimited.
type Budget struct {
	MaxTokens  int64   `json:"max_tokens,omitempty"`
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`
}

// Guard is the per-step execution policy: retries, backoff, deadline and
// optional budgets.
type Guard struct {
	ConsentRequired bool   `json:"consent_required,omitempty"`
	MaxRetries      int    `json:"max_retries"`
	RetryBackoffMS  int64  `json:"retry_backoff_ms"`
	RetryJitterMS   int64  `json:"retry_backoff_jitter_ms"`
	DeadlineMS      int64  `json:"deadline_ms,omitempty"`
	Budget          Budget `json:"budget,omitempty"`
}

// DefaultGuard returns the guard applied when a submitted step carries none.
func DefaultGuard() Guard {
	return Guard{
		MaxRetries:     0,
		RetryBackoffMS: 250,
		RetryJitterMS:  100,
	}
}

// Backoff returns the base backoff as a duration.
func (g Guard) Backoff() time.Duration {
	return time.Duration(g.RetryBackoffMS) * time.Millisecond
}

// Jitter returns the jitter upper bound as a duration.
func (g Guard) Jitter() time.Duration {
	return time.Duration(g.RetryJitterMS) * time.Millisecond
}

// Deadline returns the per-step wall-clock budget, zero when unset.
func (g Guard) Deadline() time.Duration {
	return time.Duration(g.DeadlineMS) * time.Millisecond
}

// Step is a single tool invocation inside a plan. Runtime fields (state,
// attempts, timestamps, error, output) are mutated only by the executor.
type Step struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Capability CapabilityRef          `json:"capability"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Deps       []string               `json:"deps,omitempty"`
	Guard      Guard                  `json:"guard"`

	State     StepState              `json:"state"`
	Attempts  int                    `json:"attempts"`
	StartedAt int64                  `json:"started_at,omitempty"` // ms since epoch
	EndedAt   int64                  `json:"ended_at,omitempty"`   // ms since epoch
	Error     string                 `json:"error,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
}

// NewStep creates a pending step with a fresh identity and default guard.
func NewStep(name, capability string, input map[string]interface{}, deps ...string) *Step {
	return &Step{
		ID:         uuid.New().String(),
		Name:       name,
		Capability: CapabilityRef{Name: capability},
		Input:      input,
		Deps:       deps,
		Guard:      DefaultGuard(),
		State:      StepPending,
	}
}

// Plan is a DAG of steps plus bookkeeping. After persistence the plan object
// is immutable apart from step runtime fields owned by the executor.
type Plan struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	CreatedAt int64                  `json:"created_at"` // ms since epoch
	UpdatedAt int64                  `json:"updated_at"` // ms since epoch
	State     PlanState              `json:"state"`
	Budget    Budget                 `json:"budget,omitempty"`
	Steps     []*Step                `json:"steps"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// New creates a draft plan with a fresh identity.
func New(title string, steps ...*Step) *Plan {
	now := NowMillis()
	return &Plan{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		State:     PlanDraft,
		Steps:     steps,
	}
}

// NowMillis returns the current wall clock in milliseconds since epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Transition moves the plan to the target state, rejecting moves the
// transition table does not allow. Transitioning to the current state is a
// no-op.
func (p *Plan) Transition(to PlanState) error {
	if p.State == to {
		return nil
	}
	for _, allowed := range transitionTable[p.State] {
		if allowed == to {
			p.State = to
			p.UpdatedAt = NowMillis()
			return nil
		}
	}
	return fmt.Errorf("plan %s: %s -> %s: %w", p.ID, p.State, to, core.ErrInvalidTransition)
}

// StepByID returns the step with the given identity, or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ReadySteps returns steps that may be dispatched now: PENDING or BLOCKED
// with every dependency DONE.
func (p *Plan) ReadySteps() []*Step {
	var ready []*Step
	for _, s := range p.Steps {
		if s.State != StepPending && s.State != StepBlocked {
			continue
		}
		if p.depsDone(s) {
			ready = append(ready, s)
		}
	}
	return ready
}

func (p *Plan) depsDone(s *Step) bool {
	for _, dep := range s.Deps {
		d := p.StepByID(dep)
		if d == nil || d.State != StepDone {
			return false
		}
	}
	return true
}

// MarkDependentsSkipped marks all transitive dependents of a failed step as
// SKIPPED so they never enter the ready-set.
func (p *Plan) MarkDependentsSkipped(failedID string) {
	for _, s := range p.Steps {
		if s.State != StepPending && s.State != StepBlocked {
			continue
		}
		for _, dep := range s.Deps {
			if dep == failedID {
				s.State = StepSkipped
				p.MarkDependentsSkipped(s.ID)
				break
			}
		}
	}
}

// Settled reports whether every step is in a terminal state.
func (p *Plan) Settled() bool {
	for _, s := range p.Steps {
		if !s.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether every step finished DONE or SKIPPED.
func (p *Plan) Succeeded() bool {
	for _, s := range p.Steps {
		if s.State != StepDone && s.State != StepSkipped {
			return false
		}
	}
	return true
}

// FailedSteps returns the steps that ended FAILED.
func (p *Plan) FailedSteps() []*Step {
	var failed []*Step
	for _, s := range p.Steps {
		if s.State == StepFailed {
			failed = append(failed, s)
		}
	}
	return failed
}
