package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/plan"
	"github.com/knothic/anvil/sandbox"
	"github.com/knothic/anvil/store"
	"github.com/knothic/anvil/tools"
)

type harness struct {
	store    *store.Store
	registry *tools.Registry
	config   *core.Config
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := core.DefaultConfig()
	cfg.Consent.Require = false
	cfg.Executor.Concurrency = 2

	st, err := store.Open(filepath.Join(t.TempDir(), "exec.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureBaseSchema(context.Background()))

	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)

	registry := tools.Builtins(cfg, sb, nil)

	return &harness{
		store:    st,
		registry: registry,
		config:   cfg,
		exec:     New(st, registry, cfg, nil),
	}
}

func (h *harness) run(t *testing.T, p *plan.Plan, token *core.ConsentToken) {
	t.Helper()
	require.NoError(t, p.Validate())
	require.NoError(t, h.store.SavePlan(context.Background(), p))
	require.NoError(t, h.exec.Run(context.Background(), p, token))
}

func (h *harness) events(t *testing.T, planID string) []*plan.Event {
	t.Helper()
	events, err := h.store.EventsForPlan(context.Background(), planID)
	require.NoError(t, err)
	return events
}

func eventTypes(events []*plan.Event) []plan.EventType {
	types := make([]plan.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestEmptyPlanGoesStraightToDone(t *testing.T) {
	h := newHarness(t)
	p := plan.New("empty")

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanDone, p.State)
	types := eventTypes(h.events(t, p.ID))
	assert.Equal(t, []plan.EventType{plan.EventPlanStarted, plan.EventPlanDone}, types)
}

func TestWriteThenRead(t *testing.T) {
	h := newHarness(t)

	w := plan.NewStep("w", "fs.write", map[string]interface{}{
		"path": "demo/a.txt", "content": "hi",
	})
	r := plan.NewStep("r", "fs.read", map[string]interface{}{
		"path": "demo/a.txt",
	}, w.ID)
	p := plan.New("write-then-read", w, r)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanDone, p.State)
	assert.Equal(t, plan.StepDone, w.State)
	assert.Equal(t, plan.StepDone, r.State)
	assert.Equal(t, "hi", r.Output["content"])
	assert.LessOrEqual(t, w.EndedAt, r.StartedAt)

	// Persisted rows agree with the in-memory outcome.
	loaded, err := h.store.LoadPlan(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.PlanDone, loaded.State)
	assert.Equal(t, "hi", loaded.Steps[1].Output["content"])
}

func TestSandboxEscapeFailsPlan(t *testing.T) {
	h := newHarness(t)

	w := plan.NewStep("w", "fs.write", map[string]interface{}{
		"path": "../escape.txt", "content": "nope",
	})
	p := plan.New("escape", w)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanFailed, p.State)
	assert.Equal(t, plan.StepFailed, w.State)
	assert.Contains(t, w.Error, "escapes sandbox root")
	// Sandbox violations are never retried.
	assert.Equal(t, 1, w.Attempts)
}

func registerFlaky(h *harness, failures int) *atomic.Int32 {
	var calls atomic.Int32
	h.registry.Register("test.flaky", "fails the first N calls", func(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
		n := calls.Add(1)
		if int(n) <= failures {
			return nil, fmt.Errorf("transient failure %d: %w", n, core.ErrToolFailed)
		}
		return map[string]interface{}{"call": int(n)}, nil
	})
	return &calls
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	h := newHarness(t)
	registerFlaky(h, 1)

	s := plan.NewStep("flaky", "test.flaky", nil)
	s.Guard.MaxRetries = 2
	s.Guard.RetryBackoffMS = 10
	s.Guard.RetryJitterMS = 5
	p := plan.New("retry", s)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanDone, p.State)
	assert.Equal(t, plan.StepDone, s.State)
	assert.Equal(t, 2, s.Attempts)

	var started, done int
	for _, ev := range h.events(t, p.ID) {
		switch ev.Type {
		case plan.EventStepStarted:
			started++
		case plan.EventStepDone:
			done++
		}
	}
	assert.Equal(t, 2, started, "one step.started per attempt")
	assert.Equal(t, 1, done)
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	calls := registerFlaky(h, 100)

	s := plan.NewStep("always-fails", "test.flaky", nil)
	s.Guard.MaxRetries = 2
	s.Guard.RetryBackoffMS = 5
	s.Guard.RetryJitterMS = 0
	p := plan.New("exhausted", s)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanFailed, p.State)
	assert.Equal(t, plan.StepFailed, s.State)
	// max_retries=n fails after n+1 attempts.
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeadlineExceededMidRetry(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("test.slow-fail", "fails slowly", func(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
		time.Sleep(60 * time.Millisecond)
		return nil, fmt.Errorf("still broken: %w", core.ErrToolFailed)
	})

	s := plan.NewStep("slow", "test.slow-fail", nil)
	s.Guard.MaxRetries = 50
	s.Guard.RetryBackoffMS = 10
	s.Guard.RetryJitterMS = 0
	s.Guard.DeadlineMS = 100
	p := plan.New("deadline", s)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanFailed, p.State)
	assert.Equal(t, plan.StepFailed, s.State)
	assert.Less(t, s.Attempts, 51, "deadline cut retries short")
}

func TestUnknownCapabilityIsTerminal(t *testing.T) {
	h := newHarness(t)

	s := plan.NewStep("nope", "fs.teleport", nil)
	s.Guard.MaxRetries = 5
	p := plan.New("unknown", s)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanFailed, p.State)
	assert.Equal(t, 1, s.Attempts, "unknown capability is never retried")
	assert.Contains(t, s.Error, "unknown capability")
}

func TestConsentRequiredWithoutToken(t *testing.T) {
	h := newHarness(t)
	h.config.Consent.Require = true
	h.config.Consent.Auto = false

	s := plan.NewStep("w", "fs.write", map[string]interface{}{
		"path": "a.txt", "content": "x",
	})
	p := plan.New("no-consent", s)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanFailed, p.State)
	assert.Equal(t, plan.StepFailed, s.State)
	assert.Contains(t, s.Error, "consent")

	types := eventTypes(h.events(t, p.ID))
	assert.Contains(t, types, plan.EventStepFailed)
}

func TestAutoConsentInjectsWildcardToken(t *testing.T) {
	h := newHarness(t)
	h.config.Consent.Require = true
	h.config.Consent.Auto = true

	s := plan.NewStep("w", "fs.write", map[string]interface{}{
		"path": "a.txt", "content": "x",
	})
	p := plan.New("auto-consent", s)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanDone, p.State)
}

func TestTokenMissingScopeIsDenied(t *testing.T) {
	h := newHarness(t)
	h.config.Consent.Require = true

	s := plan.NewStep("w", "fs.write", map[string]interface{}{
		"path": "a.txt", "content": "x",
	})
	p := plan.New("wrong-scope", s)

	h.run(t, p, core.NewConsentToken("user", tools.ScopeReadFS))

	assert.Equal(t, plan.PlanFailed, p.State)
	assert.Contains(t, s.Error, "consent denied")
}

func TestFailedStepSkipsDependents(t *testing.T) {
	h := newHarness(t)

	bad := plan.NewStep("bad", "fs.teleport", nil)
	child := plan.NewStep("child", "fs.write", map[string]interface{}{
		"path": "never.txt", "content": "x",
	}, bad.ID)
	p := plan.New("skip", bad, child)

	h.run(t, p, nil)

	assert.Equal(t, plan.PlanFailed, p.State)
	assert.Equal(t, plan.StepFailed, bad.State)
	assert.Equal(t, plan.StepSkipped, child.State)
}

func TestParallelSiblingsRespectConcurrencyCap(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	running := 0
	peak := 0
	h.registry.Register("test.gauge", "tracks concurrency", func(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(40 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return map[string]interface{}{}, nil
	})

	root := plan.NewStep("root", "test.gauge", nil)
	steps := []*plan.Step{root}
	for i := 0; i < 4; i++ {
		steps = append(steps, plan.NewStep(fmt.Sprintf("s%d", i), "test.gauge", nil, root.ID))
	}
	p := plan.New("parallel", steps...)

	start := time.Now()
	h.run(t, p, nil)
	elapsed := time.Since(start)

	assert.Equal(t, plan.PlanDone, p.State)
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, peak, 2, "siblings should overlap with C=2")
	assert.LessOrEqual(t, peak, 2, "no more than C steps run at once")
	// 5 sequential runs would take >=200ms even ignoring scheduling; the
	// two-wide pipeline finishes the 4 siblings in two waves.
	assert.Less(t, elapsed, 5*40*time.Millisecond+400*time.Millisecond)
}

func TestStepStartedPrecedesTerminalEvent(t *testing.T) {
	h := newHarness(t)
	registerFlaky(h, 0)

	a := plan.NewStep("a", "test.flaky", nil)
	b := plan.NewStep("b", "fs.teleport", nil, a.ID)
	p := plan.New("ordering", a, b)

	h.run(t, p, nil)

	seenStarted := make(map[string]bool)
	for _, ev := range h.events(t, p.ID) {
		switch ev.Type {
		case plan.EventStepStarted:
			seenStarted[ev.StepID] = true
		case plan.EventStepDone, plan.EventStepFailed:
			assert.True(t, seenStarted[ev.StepID], "terminal event before step.started for %s", ev.StepID)
		}
	}
}

func TestRunByIDResumesAbandonedRunningSteps(t *testing.T) {
	h := newHarness(t)
	registerFlaky(h, 0)

	a := plan.NewStep("a", "test.flaky", nil)
	b := plan.NewStep("b", "test.flaky", nil, a.ID)
	p := plan.New("resume", a, b)

	// Simulate a crash: step a was mid-attempt when the process died.
	a.State = plan.StepRunning
	a.Attempts = 1
	require.NoError(t, h.store.SavePlan(context.Background(), p))

	resumed, err := h.exec.RunByID(context.Background(), p.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, plan.PlanDone, resumed.State)
	// The abandoned attempt is retried: attempts moved past the stale count.
	assert.Equal(t, plan.StepDone, resumed.Steps[0].State)
	assert.Equal(t, 2, resumed.Steps[0].Attempts)
	assert.Equal(t, plan.StepDone, resumed.Steps[1].State)
}

func TestRunByIDDoesNotReExecuteDoneSteps(t *testing.T) {
	h := newHarness(t)
	calls := registerFlaky(h, 0)

	a := plan.NewStep("a", "test.flaky", nil)
	b := plan.NewStep("b", "test.flaky", nil, a.ID)
	p := plan.New("partial", a, b)

	a.State = plan.StepDone
	a.Attempts = 1
	require.NoError(t, h.store.SavePlan(context.Background(), p))

	resumed, err := h.exec.RunByID(context.Background(), p.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, plan.PlanDone, resumed.State)
	assert.Equal(t, 1, resumed.Steps[0].Attempts, "DONE step is not re-executed")
	assert.Equal(t, int32(1), calls.Load(), "only the pending step invoked the tool")
}

func TestRunByIDUnknownPlan(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.RunByID(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRetryDecision(t *testing.T) {
	g := plan.Guard{MaxRetries: 2, RetryBackoffMS: 100, RetryJitterMS: 50}

	d := Decide(core.ErrToolFailed, g, 1, time.Second)
	assert.False(t, d.Terminal)
	assert.GreaterOrEqual(t, d.Delay, 100*time.Millisecond)
	assert.Less(t, d.Delay, 150*time.Millisecond)

	d = Decide(core.ErrToolFailed, g, 3, time.Second)
	assert.True(t, d.Terminal, "attempts past max_retries are terminal")

	d = Decide(core.ErrPathEscape, g, 1, time.Second)
	assert.True(t, d.Terminal, "sandbox violations are terminal")

	gd := plan.Guard{MaxRetries: 10, DeadlineMS: 500}
	d = Decide(core.ErrToolFailed, gd, 1, time.Second)
	assert.True(t, d.Terminal, "elapsed past deadline is terminal")
}
