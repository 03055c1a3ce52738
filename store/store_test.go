package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source for aging tasks in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	return s, clock
}

func addFeatureAndTask(t *testing.T, s *Store, featureID, taskID, agent string) {
	t.Helper()
	if _, err := s.GetFeature(featureID); err != nil {
		require.NoError(t, s.AddFeature(Feature{ID: featureID, Description: "feature"}))
	}
	require.NoError(t, s.AddTask(Task{
		ID:            taskID,
		FeatureID:     featureID,
		Description:   "task",
		AssignedAgent: agent,
	}))
}

func TestOpenEmptyWritesStateFile(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, StateFile), s.Path())

	_, err = os.Stat(s.Path())
	assert.NoError(t, err, "Open must persist a fresh state file")
}

func TestOpenCorruptStartsEmpty(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, StateFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(root)
	require.NoError(t, err)
	assert.Empty(t, s.GetAllTasks())
	assert.Empty(t, s.GetAllFeatures())
}

func TestPersistenceRoundTrip(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	s, err := Open(root, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.AddFeature(Feature{ID: "f-1", Description: "login page"}))
	require.NoError(t, s.AddTask(Task{ID: "t-1", FeatureID: "f-1", AssignedAgent: "frontend"}))
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskCompleted, WithOutput("done")))

	reopened, err := Open(root, WithClock(clock.Now))
	require.NoError(t, err)

	task, err := reopened.GetTask("t-1")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, "done", task.Output)
	require.NotNil(t, task.StartedAt)

	feature, err := reopened.GetFeature("f-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1"}, feature.TaskIDs)
}

func TestAddFeatureDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddFeature(Feature{ID: "f-1"}))
	assert.ErrorIs(t, s.AddFeature(Feature{ID: "f-1"}), ErrFeatureExists)
}

func TestAddTaskRequiresFeature(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.AddTask(Task{ID: "t-1", FeatureID: "missing"})
	assert.ErrorIs(t, err, ErrFeatureNotFound)
}

func TestAddTaskDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")
	err := s.AddTask(Task{ID: "t-1", FeatureID: "f-1"})
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskCompleted, false},
		{TaskPending, TaskFailed, false},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskFailed, true},
		{TaskInProgress, TaskPending, true},
		{TaskFailed, TaskPending, true},
		{TaskFailed, TaskPermanentlyFailed, true},
		{TaskFailed, TaskInProgress, false},
		{TaskCompleted, TaskPending, false},
		{TaskCompleted, TaskInProgress, false},
		{TaskPermanentlyFailed, TaskPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestUpdateTaskStatusRejectsInvalid(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")

	err := s.UpdateTaskStatus("t-1", TaskCompleted)
	require.Error(t, err)

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TaskPending, terr.From)
	assert.Equal(t, TaskCompleted, terr.To)

	// The rejected transition must not touch the record.
	task, err := s.GetTask("t-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskCompleted))

	for _, next := range []TaskStatus{TaskPending, TaskInProgress, TaskFailed} {
		assert.Error(t, s.UpdateTaskStatus("t-1", next))
	}
}

func TestStartedAtSetOnceAndPreserved(t *testing.T) {
	s, clock := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")

	require.NoError(t, s.UpdateTaskStatus("t-1", TaskInProgress))
	task, err := s.GetTask("t-1")
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	first := *task.StartedAt

	// Fail, retry, restart: the original start time survives.
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskFailed, WithError("flaky test")))
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskPending))
	clock.Advance(time.Hour)
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskInProgress))

	task, err = s.GetTask("t-1")
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	assert.True(t, task.StartedAt.Equal(first))
}

func TestRetryCountIncrementsOnFailure(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")

	for want := 1; want <= 3; want++ {
		require.NoError(t, s.UpdateTaskStatus("t-1", TaskInProgress))
		require.NoError(t, s.UpdateTaskStatus("t-1", TaskFailed, WithError("boom")))
		task, err := s.GetTask("t-1")
		require.NoError(t, err)
		assert.Equal(t, want, task.RetryCount)
		require.NoError(t, s.UpdateTaskStatus("t-1", TaskPending))
	}
}

func TestIncrementRetryCount(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")

	n, err := s.IncrementRetryCount("t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.IncrementRetryCount("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRecoverStalledTasks(t *testing.T) {
	s, clock := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-old", "backend")
	addFeatureAndTask(t, s, "f-1", "t-fresh", "backend")

	require.NoError(t, s.UpdateTaskStatus("t-old", TaskInProgress))
	clock.Advance(45 * time.Minute)
	require.NoError(t, s.UpdateTaskStatus("t-fresh", TaskInProgress))

	recovered, err := s.RecoverStalledTasks(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-old"}, recovered)

	old, err := s.GetTask("t-old")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, old.Status)
	assert.Equal(t, "stalled", old.LastError)
	assert.NotNil(t, old.StartedAt, "recovery keeps the original start time")

	fresh, err := s.GetTask("t-fresh")
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, fresh.Status)
}

func TestRecoverStalledTasksMissingStartedAt(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddFeature(Feature{ID: "f-1"}))
	require.NoError(t, s.AddTask(Task{
		ID:        "t-1",
		FeatureID: "f-1",
		Status:    TaskInProgress,
	}))

	recovered, err := s.RecoverStalledTasks(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1"}, recovered)
}

func TestRetryFailedTasksBudget(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-retryable", "backend")
	addFeatureAndTask(t, s, "f-1", "t-exhausted", "backend")

	require.NoError(t, s.UpdateTaskStatus("t-retryable", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-retryable", TaskFailed))

	require.NoError(t, s.UpdateTaskStatus("t-exhausted", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-exhausted", TaskFailed))
	for i := 0; i < 3; i++ {
		_, err := s.IncrementRetryCount("t-exhausted")
		require.NoError(t, err)
	}

	retried, err := s.RetryFailedTasks(3)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-retryable"}, retried)

	exhausted, err := s.GetTask("t-exhausted")
	require.NoError(t, err)
	assert.Equal(t, TaskPermanentlyFailed, exhausted.Status)

	retryable, err := s.GetTask("t-retryable")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, retryable.Status)
}

func TestHealthCheck(t *testing.T) {
	s, clock := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-pending", "backend")
	addFeatureAndTask(t, s, "f-1", "t-stalled", "backend")
	addFeatureAndTask(t, s, "f-1", "t-long", "backend")
	addFeatureAndTask(t, s, "f-1", "t-failed", "backend")
	addFeatureAndTask(t, s, "f-1", "t-done", "backend")

	require.NoError(t, s.UpdateTaskStatus("t-stalled", TaskInProgress))
	clock.Advance(20 * time.Minute)
	require.NoError(t, s.UpdateTaskStatus("t-long", TaskInProgress))
	clock.Advance(12 * time.Minute)

	require.NoError(t, s.UpdateTaskStatus("t-failed", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-failed", TaskFailed, WithError("boom")))
	require.NoError(t, s.UpdateTaskStatus("t-done", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-done", TaskCompleted))

	report := s.HealthCheck(30*time.Minute, 10*time.Minute)
	assert.False(t, report.Healthy)
	assert.Equal(t, 5, report.TotalTasks)
	assert.Equal(t, []string{"t-stalled"}, report.StalledTasks)
	assert.Equal(t, []string{"t-long"}, report.LongRunningTasks)
	assert.Equal(t, []string{"t-failed"}, report.FailedTasks)

	sum := 0
	for _, n := range report.CountsByStatus {
		sum += n
	}
	assert.Equal(t, report.TotalTasks, sum)
}

func TestHealthCheckHealthy(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskCompleted))

	report := s.HealthCheck(30*time.Minute, 10*time.Minute)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Issues)
}

func TestCleanupCompletedTasks(t *testing.T) {
	s, clock := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-old", "backend")
	addFeatureAndTask(t, s, "f-1", "t-recent", "backend")
	addFeatureAndTask(t, s, "f-1", "t-active", "backend")

	require.NoError(t, s.UpdateTaskStatus("t-old", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-old", TaskCompleted))

	clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, s.UpdateTaskStatus("t-recent", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-recent", TaskCompleted))
	require.NoError(t, s.UpdateTaskStatus("t-active", TaskInProgress))

	removed, err := s.CleanupCompletedTasks(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetTask("t-old")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.GetTask("t-recent")
	assert.NoError(t, err)
	_, err = s.GetTask("t-active")
	assert.NoError(t, err)

	// Completion history stays reconstructible from the feature record.
	f, err := s.GetFeature("f-1")
	require.NoError(t, err)
	assert.Contains(t, f.TaskIDs, "t-old")
}

func TestGetPendingTasksByAgent(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")
	addFeatureAndTask(t, s, "f-1", "t-2", "frontend")
	addFeatureAndTask(t, s, "f-1", "t-3", "backend")
	require.NoError(t, s.UpdateTaskStatus("t-3", TaskInProgress))

	pending := s.GetPendingTasksByAgent("backend")
	require.Len(t, pending, 1)
	assert.Equal(t, "t-1", pending[0].ID)
}

func TestTaskStatistics(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")
	addFeatureAndTask(t, s, "f-1", "t-2", "backend")
	addFeatureAndTask(t, s, "f-1", "t-3", "frontend")
	addFeatureAndTask(t, s, "f-1", "t-4", "qa")

	require.NoError(t, s.UpdateTaskStatus("t-1", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-1", TaskCompleted))
	require.NoError(t, s.UpdateTaskStatus("t-2", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-2", TaskCompleted))
	require.NoError(t, s.UpdateTaskStatus("t-3", TaskInProgress))
	require.NoError(t, s.UpdateTaskStatus("t-3", TaskFailed, WithError("boom")))

	stats := s.TaskStatistics()
	assert.Equal(t, 4, stats.TotalTasks)
	assert.Equal(t, 2, stats.CountsByStatus[TaskCompleted])
	assert.Equal(t, 1, stats.CountsByStatus[TaskFailed])
	assert.Equal(t, 1, stats.CountsByStatus[TaskPending])
	assert.Equal(t, 2, stats.CountsByAgent["backend"])
	assert.InDelta(t, 0.5, stats.CompletionRate, 1e-9)
	assert.InDelta(t, 0.25, stats.AverageRetries, 1e-9)
	assert.Equal(t, 1, stats.TasksWithError)
}

func TestSnapshotsDoNotAliasState(t *testing.T) {
	s, _ := newTestStore(t)
	addFeatureAndTask(t, s, "f-1", "t-1", "backend")

	task, err := s.GetTask("t-1")
	require.NoError(t, err)
	task.Status = TaskCompleted
	task.Description = "mutated"

	fresh, err := s.GetTask("t-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, fresh.Status)
	assert.Equal(t, "task", fresh.Description)
}

func TestUpdateFeatureStatus(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddFeature(Feature{ID: "f-1"}))

	f, err := s.GetFeature("f-1")
	require.NoError(t, err)
	assert.Equal(t, FeatureNew, f.Status)

	require.NoError(t, s.UpdateFeatureStatus("f-1", FeatureInProgress))
	f, err = s.GetFeature("f-1")
	require.NoError(t, err)
	assert.Equal(t, FeatureInProgress, f.Status)

	assert.ErrorIs(t, s.UpdateFeatureStatus("missing", FeatureBlocked), ErrFeatureNotFound)
}

func TestFeatureTransitionGraph(t *testing.T) {
	tests := []struct {
		from    FeatureStatus
		to      FeatureStatus
		allowed bool
	}{
		{FeatureNew, FeatureInProgress, true},
		{FeatureNew, FeatureFailed, true},
		{FeatureNew, FeatureCompleted, false},
		{FeatureInProgress, FeatureCompleted, true},
		{FeatureInProgress, FeatureBlocked, true},
		{FeatureInProgress, FeatureFailed, true},
		{FeatureCompleted, FeatureCompleted, false},
		{FeatureCompleted, FeatureInProgress, false},
		{FeatureBlocked, FeatureBlocked, false},
		{FeatureFailed, FeatureInProgress, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransitionFeature(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestFeatureSettledExactlyOnce(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.AddFeature(Feature{ID: "f-1", Status: FeatureInProgress}))
	require.NoError(t, s.UpdateFeatureStatus("f-1", FeatureCompleted))

	// The losing side of a settle race is rejected, not re-applied.
	err := s.UpdateFeatureStatus("f-1", FeatureCompleted)
	var ferr *FeatureTransitionError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, FeatureCompleted, ferr.From)
	assert.Equal(t, FeatureCompleted, ferr.To)

	assert.Error(t, s.UpdateFeatureStatus("f-1", FeatureBlocked))
	assert.Error(t, s.UpdateFeatureStatus("f-1", FeatureInProgress))

	f, err := s.GetFeature("f-1")
	require.NoError(t, err)
	assert.Equal(t, FeatureCompleted, f.Status)
}
