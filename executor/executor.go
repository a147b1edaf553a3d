// Package executor runs a plan's DAG with bounded concurrency, per-step
// retries and deadlines, and full transcript emission. The scheduler derives
// the ready-set from persisted step states on every pass, so a crash between
// persist points is recovered by rehydrating the plan and re-entering the
// loop.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/plan"
	"github.com/knothic/anvil/store"
	"github.com/knothic/anvil/telemetry"
	"github.com/knothic/anvil/tools"
)

// idleWait bounds the scheduler's sleep when nothing is ready but steps are
// still in flight.
const idleWait = 50 * time.Millisecond

// Executor dispatches ready steps through the tool registry under a
// semaphore of the configured capacity.
type Executor struct {
	store    *store.Store
	registry *tools.Registry
	config   *core.Config
	logger   core.Logger
	sem      chan struct{}

	// mu guards step mutation together with the persist+emit pair so the
	// transcript never observes a state the store does not.
	mu sync.Mutex

	cancelsMu sync.Mutex
	cancels   map[string]bool
}

// New creates an executor with concurrency from the config (default 2).
func New(st *store.Store, registry *tools.Registry, cfg *core.Config, logger core.Logger) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	capacity := cfg.Executor.Concurrency
	if capacity < 1 {
		capacity = 1
	}
	return &Executor{
		store:    st,
		registry: registry,
		config:   cfg,
		logger:   logger,
		sem:      make(chan struct{}, capacity),
		cancels:  make(map[string]bool),
	}
}

// Cancel requests cancellation of a running plan. The scheduler stops
// dispatching at the next pass boundary; in-flight steps run to completion.
func (e *Executor) Cancel(planID string) {
	e.cancelsMu.Lock()
	e.cancels[planID] = true
	e.cancelsMu.Unlock()
}

func (e *Executor) cancelled(planID string) bool {
	e.cancelsMu.Lock()
	defer e.cancelsMu.Unlock()
	return e.cancels[planID]
}

func (e *Executor) clearCancel(planID string) {
	e.cancelsMu.Lock()
	delete(e.cancels, planID)
	e.cancelsMu.Unlock()
}

// RunByID rehydrates a plan from the store and executes it. Steps found in
// RUNNING state are treated as PENDING: their last attempt was abandoned by
// a crash, and under at-least-once semantics they are invoked again.
func (e *Executor) RunByID(ctx context.Context, planID string, token *core.ConsentToken) (*plan.Plan, error) {
	p, err := e.store.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	for _, s := range p.Steps {
		if s.State == plan.StepRunning {
			s.State = plan.StepPending
		}
	}
	if err := e.store.SavePlan(ctx, p); err != nil {
		return nil, err
	}
	return p, e.Run(ctx, p, token)
}

// stepResult carries a finished step back to the scheduler.
type stepResult struct {
	step *plan.Step
}

// Run executes the plan to a terminal state. The plan and its steps must
// already be persisted. Run returns an error only for infrastructure
// failures; a plan that ends FAILED is a normal return with p.State set.
func (e *Executor) Run(ctx context.Context, p *plan.Plan, token *core.ConsentToken) error {
	defer e.clearCancel(p.ID)

	telemetry.SetSpanAttributes(ctx,
		attribute.String("anvil.plan.id", p.ID),
		attribute.Int("anvil.plan.step_count", len(p.Steps)),
	)

	e.logger.InfoWithContext(ctx, "Starting plan execution", map[string]interface{}{
		"plan_id":     p.ID,
		"title":       p.Title,
		"step_count":  len(p.Steps),
		"concurrency": cap(e.sem),
	})

	if err := p.Transition(plan.PlanRunning); err != nil {
		return err
	}
	if err := e.persistAndEmit(ctx, p, plan.NewEvent(plan.EventPlanStarted, p.ID, nil)); err != nil {
		return err
	}

	if len(p.Steps) == 0 {
		if err := p.Transition(plan.PlanDone); err != nil {
			return err
		}
		return e.persistAndEmit(ctx, p, plan.NewEvent(plan.EventPlanDone, p.ID, nil))
	}

	pending := make(map[string]*plan.Step, len(p.Steps))
	for _, s := range p.Steps {
		if !s.State.IsTerminal() {
			pending[s.ID] = s
		}
	}

	results := make(chan *stepResult, len(p.Steps))
	inFlight := 0
	failed := false
	cancelled := false

	for {
		if !cancelled && (ctx.Err() != nil || e.cancelled(p.ID)) {
			cancelled = true
		}

		// Dispatch pass: move ready steps out of the pending index so they
		// cannot be dispatched twice. The ready-set is read under the same
		// lock the workers mutate step state under.
		if !failed && !cancelled {
			e.mu.Lock()
			ready := p.ReadySteps()
			e.mu.Unlock()
			for _, s := range ready {
				if _, ok := pending[s.ID]; !ok {
					continue
				}
				delete(pending, s.ID)
				inFlight++
				go e.runStep(ctx, p, s, token, results)
			}
		}

		if inFlight == 0 {
			switch {
			case cancelled:
				if err := p.Transition(plan.PlanCancelled); err != nil {
					return err
				}
				e.logger.InfoWithContext(ctx, "Plan cancelled", map[string]interface{}{"plan_id": p.ID})
				// The caller's context may already be dead; the final state
				// must still reach the store.
				return e.store.SavePlan(context.Background(), p)
			case failed:
				// plan.failed was emitted when the first step failed; the
				// remaining in-flight outcomes are already recorded.
				return nil
			case p.Succeeded():
				if err := p.Transition(plan.PlanDone); err != nil {
					return err
				}
				telemetry.AddSpanEvent(ctx, "plan_done", attribute.String("plan_id", p.ID))
				e.logger.InfoWithContext(ctx, "Plan completed", map[string]interface{}{"plan_id": p.ID})
				return e.persistAndEmit(ctx, p, plan.NewEvent(plan.EventPlanDone, p.ID, nil))
			case len(pending) == 0:
				// Terminal steps but not all DONE/SKIPPED and no failure
				// flag: a failed step finished before the flag was set.
				return nil
			default:
				// Nothing ready, nothing running: validation guarantees this
				// cannot happen for an acyclic plan with resolved deps.
				if err := p.Transition(plan.PlanFailed); err != nil {
					return err
				}
				return e.persistAndEmit(ctx, p, plan.NewEvent(plan.EventPlanFailed, p.ID,
					map[string]interface{}{"error": "no runnable steps remain"}))
			}
		}

		select {
		case res := <-results:
			inFlight--
			if res.step.State == plan.StepFailed && !failed {
				failed = true
				if err := p.Transition(plan.PlanFailed); err != nil {
					return err
				}
				telemetry.AddSpanEvent(ctx, "plan_failed",
					attribute.String("plan_id", p.ID),
					attribute.String("step_id", res.step.ID),
				)
				e.logger.WarnWithContext(ctx, "Plan failed", map[string]interface{}{
					"plan_id": p.ID,
					"step_id": res.step.ID,
					"error":   res.step.Error,
				})
				if err := e.persistAndEmit(ctx, p, plan.NewEvent(plan.EventPlanFailed, p.ID,
					map[string]interface{}{"step_id": res.step.ID, "error": res.step.Error})); err != nil {
					return err
				}
			}
		case <-time.After(idleWait):
			// Re-evaluate the ready-set.
		}
	}
}

// runStep owns one step for the duration of its attempts. It holds a
// semaphore slot across retries so at most C steps execute concurrently.
func (e *Executor) runStep(ctx context.Context, p *plan.Plan, s *plan.Step, token *core.ConsentToken, results chan<- *stepResult) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		results <- &stepResult{step: s}
		return
	}

	firstAttempt := time.Now()

	for {
		e.mu.Lock()
		s.Attempts++
		s.State = plan.StepRunning
		s.StartedAt = plan.NowMillis()
		attempt := s.Attempts
		_ = e.store.SavePlan(ctx, p)
		_ = e.store.AppendEvent(ctx, plan.NewStepEvent(plan.EventStepStarted, p.ID, s.ID,
			map[string]interface{}{
				"attempt":    attempt,
				"name":       s.Name,
				"capability": s.Capability.Name,
			}))
		e.mu.Unlock()

		telemetry.AddSpanEvent(ctx, "step_started",
			attribute.String("step_id", s.ID),
			attribute.Int("attempt", attempt),
		)

		output, err := e.invoke(ctx, s, token)

		if err == nil {
			e.mu.Lock()
			s.Output = output
			s.Error = ""
			s.State = plan.StepDone
			s.EndedAt = plan.NowMillis()
			_ = e.store.SavePlan(ctx, p)
			_ = e.store.AppendEvent(ctx, plan.NewStepEvent(plan.EventStepDone, p.ID, s.ID,
				map[string]interface{}{"attempts": s.Attempts}))
			e.mu.Unlock()

			e.logger.DebugWithContext(ctx, "Step completed", map[string]interface{}{
				"plan_id":  p.ID,
				"step_id":  s.ID,
				"attempts": attempt,
			})
			results <- &stepResult{step: s}
			return
		}

		e.mu.Lock()
		s.Error = err.Error()
		decision := Decide(err, s.Guard, s.Attempts, time.Since(firstAttempt))

		if decision.Terminal {
			s.State = plan.StepFailed
			s.EndedAt = plan.NowMillis()
			p.MarkDependentsSkipped(s.ID)
			_ = e.store.SavePlan(ctx, p)
			_ = e.store.AppendEvent(ctx, plan.NewStepEvent(plan.EventStepFailed, p.ID, s.ID,
				map[string]interface{}{"error": s.Error, "attempts": s.Attempts}))
			e.mu.Unlock()

			telemetry.RecordSpanError(ctx, err)
			e.logger.WarnWithContext(ctx, "Step failed", map[string]interface{}{
				"plan_id":  p.ID,
				"step_id":  s.ID,
				"error":    s.Error,
				"attempts": attempt,
			})
			results <- &stepResult{step: s}
			return
		}

		// Record the error before sleeping so a crash mid-backoff keeps the
		// attempt history.
		_ = e.store.SavePlan(ctx, p)
		e.mu.Unlock()

		e.logger.DebugWithContext(ctx, "Retrying step", map[string]interface{}{
			"plan_id":  p.ID,
			"step_id":  s.ID,
			"attempt":  attempt,
			"delay_ms": decision.Delay.Milliseconds(),
		})

		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			// The abandoned attempt is retried on resume.
			results <- &stepResult{step: s}
			return
		}
	}
}

// invoke resolves the capability, enforces the consent policy, and calls the
// tool.
func (e *Executor) invoke(ctx context.Context, s *plan.Step, token *core.ConsentToken) (map[string]interface{}, error) {
	cap, err := e.registry.Resolve(s.Capability.Name)
	if err != nil {
		return nil, err
	}

	tok := token
	if e.config.Consent.Require {
		if tok == nil {
			if !e.config.Consent.Auto {
				return nil, fmt.Errorf("capability %s: %w", cap.Name, core.ErrConsentRequired)
			}
			// The single dev-mode branch that injects a permissive token.
			tok = core.AllScopes()
		} else if !tok.AllowsAll(cap.Scopes) {
			return nil, fmt.Errorf("capability %s: %w", cap.Name, core.ErrConsentDenied)
		}
	}

	return cap.Fn(ctx, s.Input, tok)
}

// persistAndEmit saves the plan tree and then appends the event. A crash
// between the two is benign: events are derived state.
func (e *Executor) persistAndEmit(ctx context.Context, p *plan.Plan, ev *plan.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.SavePlan(ctx, p); err != nil {
		return err
	}
	return e.store.AppendEvent(ctx, ev)
}
