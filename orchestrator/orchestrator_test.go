package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mafkit/maf/agent"
	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/decompose"
	"github.com/mafkit/maf/event"
	"github.com/mafkit/maf/store"
)

// harness wires a bus, store, decomposer, and orchestrator for one test.
type harness struct {
	bus   *bus.InMemoryBus
	store *store.Store
	orch  *Orchestrator
	clock *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T, d decompose.Decomposer, mutate func(*Config)) *harness {
	t.Helper()

	b := bus.NewInMemoryBus(bus.InMemoryConfig{WorkerPool: 1}, nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(5 * time.Second) })

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.Open(t.TempDir(), store.WithClock(clock.Now))
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, b, st, d, nil)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(5 * time.Second) })

	return &harness{bus: b, store: st, orch: o, clock: clock}
}

// startWorker runs a role agent on the harness bus.
func (h *harness) startWorker(t *testing.T, name string, process agent.ProcessFunc) *agent.Base {
	t.Helper()
	a := agent.NewBase(name, h.bus, process, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(5 * time.Second) })
	return a
}

func (h *harness) collect(t *testing.T, kind event.Kind) func() []event.Event {
	t.Helper()
	var mu sync.Mutex
	var events []event.Event
	_, err := h.bus.Subscribe(kind, func(_ context.Context, e event.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, err)
	return func() []event.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]event.Event(nil), events...)
	}
}

func (h *harness) createFeature(t *testing.T, id, description string) {
	t.Helper()
	e := event.NewCorrelated(event.KindFeatureCreated, "client", id, event.Data{
		FeatureID:   id,
		Description: description,
	})
	require.NoError(t, h.bus.Publish(context.Background(), e))
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func okProcess(context.Context, string, event.Data) (*event.TaskResult, error) {
	return &event.TaskResult{Status: "completed", Action: "created", Message: "done"}, nil
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(*Config) {}, false},
		{"no agents", func(c *Config) { c.EnabledAgents = nil }, true},
		{"unknown agent", func(c *Config) { c.EnabledAgents = []string{"astrologer"} }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero interval", func(c *Config) { c.HealthInterval = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultLongRunningThreshold(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.StallTimeout/2, cfg.LongRunningAfter)
}

func TestHappyPath(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "frontend", Description: "UI"},
		{Role: "backend", Description: "API"},
	}}
	h := newHarness(t, d, nil)
	assigned := h.collect(t, event.KindTaskAssigned)
	completedFeatures := h.collect(t, event.KindFeatureCompleted)

	h.startWorker(t, "frontend", okProcess)
	h.startWorker(t, "backend", okProcess)

	h.createFeature(t, "F1", "Add login")

	waitFor(t, 2*time.Second, func() bool { return len(completedFeatures()) == 1 })
	assert.Len(t, assigned(), 2)
	assert.Equal(t, "F1", completedFeatures()[0].CorrelationID)

	feature, err := h.store.GetFeature("F1")
	require.NoError(t, err)
	assert.Equal(t, store.FeatureCompleted, feature.Status)

	tasks, err := h.store.GetFeatureTasks("F1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, store.TaskCompleted, task.Status)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "backend", Description: "API"},
	}}
	h := newHarness(t, d, nil)
	retries := h.collect(t, event.KindTaskRetry)
	completedFeatures := h.collect(t, event.KindFeatureCompleted)

	var attempts atomic.Int64
	h.startWorker(t, "backend", func(context.Context, string, event.Data) (*event.TaskResult, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}
		return &event.TaskResult{Status: "completed", Action: "created", Message: "done"}, nil
	})

	h.createFeature(t, "F1", "Add API")

	waitFor(t, 2*time.Second, func() bool { return len(completedFeatures()) == 1 })
	require.Len(t, retries(), 1)
	assert.Equal(t, 1, retries()[0].Data.RetryCount)

	tasks, err := h.store.GetFeatureTasks("F1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskCompleted, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].RetryCount)
}

func TestPermanentFailureBlocksFeature(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "frontend", Description: "UI"},
		{Role: "backend", Description: "API"},
	}}
	h := newHarness(t, d, func(c *Config) { c.MaxRetries = 1 })
	blocked := h.collect(t, event.KindFeatureBlocked)
	retries := h.collect(t, event.KindTaskRetry)

	h.startWorker(t, "frontend", okProcess)
	h.startWorker(t, "backend", func(context.Context, string, event.Data) (*event.TaskResult, error) {
		return nil, errors.New("always broken")
	})

	h.createFeature(t, "F1", "Add login")

	waitFor(t, 3*time.Second, func() bool { return len(blocked()) == 1 })
	assert.Equal(t, "F1", blocked()[0].CorrelationID)
	assert.Len(t, retries(), 1, "one retry within the budget")

	feature, err := h.store.GetFeature("F1")
	require.NoError(t, err)
	assert.Equal(t, store.FeatureBlocked, feature.Status)

	tasks, err := h.store.GetFeatureTasks("F1")
	require.NoError(t, err)
	statuses := map[store.TaskStatus]int{}
	for _, task := range tasks {
		statuses[task.Status]++
	}
	assert.Equal(t, 1, statuses[store.TaskCompleted])
	assert.Equal(t, 1, statuses[store.TaskPermanentlyFailed])
}

func TestDecomposerZeroValidPairs(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "astrologer", Description: "read the stars"},
	}}
	h := newHarness(t, d, nil)
	assigned := h.collect(t, event.KindTaskAssigned)

	h.createFeature(t, "F1", "Tell the future")

	waitFor(t, 2*time.Second, func() bool {
		f, err := h.store.GetFeature("F1")
		return err == nil && f.Status == store.FeatureFailed
	})
	assert.Empty(t, assigned())
}

func TestDecomposerErrorFailsFeature(t *testing.T) {
	d := &decompose.Static{Err: errors.New("malformed JSON")}
	h := newHarness(t, d, nil)

	h.createFeature(t, "F1", "Add login")

	waitFor(t, 2*time.Second, func() bool {
		f, err := h.store.GetFeature("F1")
		return err == nil && f.Status == store.FeatureFailed
	})
}

func TestDuplicateFeatureCreated(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "backend", Description: "API"},
	}}
	h := newHarness(t, d, nil)
	assigned := h.collect(t, event.KindTaskAssigned)

	h.createFeature(t, "F1", "Add login")
	h.createFeature(t, "F1", "Add login")

	waitFor(t, 2*time.Second, func() bool { return len(assigned()) == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, assigned(), 1, "second delivery must not re-decompose")

	tasks, err := h.store.GetFeatureTasks("F1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCustomNewFeatureRequest(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "docs", Description: "Write the guide"},
	}}
	h := newHarness(t, d, nil)
	assigned := h.collect(t, event.KindTaskAssigned)

	e := event.New(event.KindCustom, "cli", event.Data{
		EventName:   event.EventNameNewFeatureRequest,
		Description: "Document the API",
	})
	require.NoError(t, h.bus.Publish(context.Background(), e))

	waitFor(t, 2*time.Second, func() bool { return len(assigned()) == 1 })
	assert.Equal(t, "docs", assigned()[0].Data.AssignedAgent)

	// Custom events without the trigger name are ignored.
	other := event.New(event.KindCustom, "cli", event.Data{EventName: "ping"})
	require.NoError(t, h.bus.Publish(context.Background(), other))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, assigned(), 1)
}

func TestRoleAliasNormalization(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "Database Architect Agent", Description: "Design the schema"},
		{Role: "front-end", Description: "Build the UI"},
	}}
	h := newHarness(t, d, nil)
	assigned := h.collect(t, event.KindTaskAssigned)

	h.createFeature(t, "F1", "Add accounts")

	waitFor(t, 2*time.Second, func() bool { return len(assigned()) == 2 })
	agents := map[string]bool{}
	for _, e := range assigned() {
		agents[e.Data.AssignedAgent] = true
	}
	assert.True(t, agents["database"])
	assert.True(t, agents["frontend"])
}

func TestDisabledAgentDropped(t *testing.T) {
	d := &decompose.Static{Subtasks: []decompose.Subtask{
		{Role: "backend", Description: "API"},
		{Role: "qa", Description: "tests"},
	}}
	h := newHarness(t, d, func(c *Config) { c.EnabledAgents = []string{"backend"} })
	assigned := h.collect(t, event.KindTaskAssigned)

	h.createFeature(t, "F1", "Add login")

	waitFor(t, 2*time.Second, func() bool { return len(assigned()) == 1 })
	assert.Equal(t, "backend", assigned()[0].Data.AssignedAgent)
}

func TestStallRecoveryReassigns(t *testing.T) {
	d := &decompose.Static{}
	h := newHarness(t, d, func(c *Config) { c.StallTimeout = 30 * time.Minute })
	assigned := h.collect(t, event.KindTaskAssigned)

	// A task whose worker died after task_started: in_progress in the
	// store with no terminal event ever coming.
	require.NoError(t, h.store.AddFeature(store.Feature{ID: "F1", Status: store.FeatureInProgress}))
	require.NoError(t, h.store.AddTask(store.Task{
		ID: "t-1", FeatureID: "F1", Description: "Add login UI", AssignedAgent: "frontend",
	}))
	require.NoError(t, h.store.UpdateTaskStatus("t-1", store.TaskInProgress))

	h.startWorker(t, "frontend", okProcess)

	// Inside the stall window nothing is recovered.
	h.clock.Advance(20 * time.Minute)
	h.orch.recoverAndRetry(context.Background())
	assert.Empty(t, assigned())

	// Past it, the maintenance pass resets the task and re-assigns.
	h.clock.Advance(25 * time.Minute)
	h.orch.recoverAndRetry(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(assigned()) == 1 })
	assert.Equal(t, "t-1", assigned()[0].Data.TaskID)
	waitFor(t, 2*time.Second, func() bool {
		task, err := h.store.GetTask("t-1")
		return err == nil && task.Status == store.TaskCompleted
	})
}

func TestLastTwoCompletionsPublishFeatureCompletedOnce(t *testing.T) {
	d := &decompose.Static{}
	h := newHarness(t, d, nil)
	completedFeatures := h.collect(t, event.KindFeatureCompleted)

	require.NoError(t, h.store.AddFeature(store.Feature{ID: "F1", Status: store.FeatureInProgress}))
	for _, id := range []string{"t-1", "t-2"} {
		require.NoError(t, h.store.AddTask(store.Task{ID: id, FeatureID: "F1", AssignedAgent: "backend"}))
		require.NoError(t, h.store.UpdateTaskStatus(id, store.TaskInProgress))
		require.NoError(t, h.store.UpdateTaskStatus(id, store.TaskCompleted))
	}

	// Terminal-event handlers for the final two tasks can both observe
	// the all-completed state; the feature transition picks one winner.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.checkFeatureDone(context.Background(), "F1")
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool { return len(completedFeatures()) == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, completedFeatures(), 1, "feature_completed must be published exactly once")

	feature, err := h.store.GetFeature("F1")
	require.NoError(t, err)
	assert.Equal(t, store.FeatureCompleted, feature.Status)
}

func TestHealthCheckPublishes(t *testing.T) {
	d := &decompose.Static{}
	h := newHarness(t, d, nil)
	checks := h.collect(t, event.KindSystemHealthCheck)

	h.orch.runHealthCheck(context.Background())
	waitFor(t, time.Second, func() bool { return len(checks()) == 1 })
	assert.Equal(t, Name, checks()[0].Source)
}

func TestDuplicateAssignmentGuard(t *testing.T) {
	d := &decompose.Static{}
	h := newHarness(t, d, nil)

	require.NoError(t, h.store.AddFeature(store.Feature{ID: "F1"}))
	task := store.Task{ID: "t-1", FeatureID: "F1", Description: "x", AssignedAgent: "backend"}
	require.NoError(t, h.store.AddTask(task))

	assert.True(t, h.orch.publishAssignment(context.Background(), event.KindTaskAssigned, task, 0))
	assert.False(t, h.orch.publishAssignment(context.Background(), event.KindTaskAssigned, task, 0),
		"second outstanding assignment must be suppressed")

	h.orch.clearAssigned("t-1")
	assert.True(t, h.orch.publishAssignment(context.Background(), event.KindTaskAssigned, task, 0))
}

func TestCleanupRemovesOldTerminalTasks(t *testing.T) {
	d := &decompose.Static{}
	h := newHarness(t, d, nil)

	require.NoError(t, h.store.AddFeature(store.Feature{ID: "F1"}))
	require.NoError(t, h.store.AddTask(store.Task{ID: "t-1", FeatureID: "F1", AssignedAgent: "qa"}))
	require.NoError(t, h.store.UpdateTaskStatus("t-1", store.TaskInProgress))
	require.NoError(t, h.store.UpdateTaskStatus("t-1", store.TaskCompleted))

	h.clock.Advance(8 * 24 * time.Hour)
	h.orch.runCleanup()

	_, err := h.store.GetTask("t-1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}
