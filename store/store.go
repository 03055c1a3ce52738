package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// StateFile is the persisted state path relative to the project root.
const StateFile = ".maf/state.json"

// Store is the durable task/feature table. One exclusive lock serializes
// every mutation and every snapshot read; the only I/O performed under the
// lock is the atomic state-file replacement.
type Store struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	features map[string]*Feature

	path   string
	logger *slog.Logger
	now    func() time.Time
}

// persistedState is the on-disk document shape.
type persistedState struct {
	Features map[string]*Feature `json:"features"`
	Tasks    map[string]*Task    `json:"tasks"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source. Tests use this to age tasks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the store from root/.maf/state.json. A missing or corrupt
// state file starts an empty store and writes a fresh artifact.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{
		tasks:    make(map[string]*Task),
		features: make(map[string]*Feature),
		path:     filepath.Join(root, StateFile),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Debug("no state file, starting empty", "path", s.path)
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	default:
		var state persistedState
		if err := json.Unmarshal(raw, &state); err != nil {
			s.logger.Warn("state file corrupt, starting empty",
				"path", s.path, "error", err)
		} else {
			if state.Tasks != nil {
				s.tasks = state.Tasks
			}
			if state.Features != nil {
				s.features = state.Features
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// persistLocked writes the whole table atomically: sibling temp file,
// fsync, rename. Caller holds the lock.
func (s *Store) persistLocked() error {
	state := persistedState{Features: s.features, Tasks: s.tasks}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// AddFeature records a new feature.
func (s *Store) AddFeature(f Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.features[f.ID]; exists {
		return fmt.Errorf("%w: %s", ErrFeatureExists, f.ID)
	}
	if f.Status == "" {
		f.Status = FeatureNew
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}

	s.features[f.ID] = f.clone()
	if err := s.persistLocked(); err != nil {
		delete(s.features, f.ID)
		return err
	}
	return nil
}

// UpdateFeatureStatus applies a feature status transition. Transitions
// not in the graph — including repeats of a terminal status — are
// rejected under the lock, so concurrent callers racing to settle a
// feature produce exactly one winner.
func (s *Store) UpdateFeatureStatus(id string, status FeatureStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	if !CanTransitionFeature(f.Status, status) {
		return &FeatureTransitionError{FeatureID: id, From: f.Status, To: status}
	}
	prev := f.Status
	f.Status = status
	if err := s.persistLocked(); err != nil {
		f.Status = prev
		return err
	}
	return nil
}

// AddTask records a new pending task and links it to its feature.
func (s *Store) AddTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	f, ok := s.features[t.FeatureID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, t.FeatureID)
	}

	if t.Status == "" {
		t.Status = TaskPending
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	s.tasks[t.ID] = t.clone()
	f.TaskIDs = append(f.TaskIDs, t.ID)
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		f.TaskIDs = f.TaskIDs[:len(f.TaskIDs)-1]
		return err
	}
	return nil
}

// UpdateOption carries optional fields for UpdateTaskStatus.
type UpdateOption func(*Task)

// WithOutput records the task's output alongside the transition.
func WithOutput(output string) UpdateOption {
	return func(t *Task) { t.Output = output }
}

// WithError records the failure message alongside the transition.
func WithError(msg string) UpdateOption {
	return func(t *Task) { t.LastError = msg }
}

// UpdateTaskStatus applies a status transition. Transitions not in the
// graph — including any transition out of a terminal status — are
// rejected. started_at is set on the first entry into in_progress;
// retry_count increments on every entry into failed.
func (s *Store) UpdateTaskStatus(id string, status TaskStatus, opts ...UpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !CanTransition(t.Status, status) {
		return &TransitionError{TaskID: id, From: t.Status, To: status}
	}

	prev := t.clone()
	t.Status = status
	t.UpdatedAt = s.now()
	if status == TaskInProgress && t.StartedAt == nil {
		started := s.now()
		t.StartedAt = &started
	}
	if status == TaskFailed {
		t.RetryCount++
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := s.persistLocked(); err != nil {
		s.tasks[id] = prev
		return err
	}
	return nil
}

// IncrementRetryCount bumps a task's retry counter outside a status
// transition.
func (s *Store) IncrementRetryCount(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.RetryCount++
	t.UpdatedAt = s.now()
	if err := s.persistLocked(); err != nil {
		t.RetryCount--
		return 0, err
	}
	return t.RetryCount, nil
}

// GetTask returns a snapshot of one task.
func (s *Store) GetTask(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// GetFeature returns a snapshot of one feature.
func (s *Store) GetFeature(id string) (*Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	return f.clone(), nil
}

// GetFeatureTasks returns snapshots of a feature's tasks in assignment
// order.
func (s *Store) GetFeatureTasks(featureID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[featureID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, featureID)
	}
	tasks := make([]*Task, 0, len(f.TaskIDs))
	for _, id := range f.TaskIDs {
		if t, ok := s.tasks[id]; ok {
			tasks = append(tasks, t.clone())
		}
	}
	return tasks, nil
}

// GetAllTasks returns snapshots of every task, ordered by id.
func (s *Store) GetAllTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t.clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetAllFeatures returns snapshots of every feature, ordered by id.
func (s *Store) GetAllFeatures() []*Feature {
	s.mu.Lock()
	defer s.mu.Unlock()

	features := make([]*Feature, 0, len(s.features))
	for _, f := range s.features {
		features = append(features, f.clone())
	}
	sort.Slice(features, func(i, j int) bool { return features[i].ID < features[j].ID })
	return features
}

// GetPendingTasksByAgent returns pending tasks assigned to one agent.
func (s *Store) GetPendingTasksByAgent(agent string) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*Task
	for _, t := range s.tasks {
		if t.Status == TaskPending && t.AssignedAgent == agent {
			tasks = append(tasks, t.clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// RecoverStalledTasks resets in_progress tasks whose started_at is older
// than timeout back to pending with last_error "stalled". A missing
// started_at on an in_progress task counts as stalled. Returns the
// recovered task ids.
func (s *Store) RecoverStalledTasks(timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	var recovered []string
	var prev []*Task
	for _, t := range s.tasks {
		if t.Status != TaskInProgress {
			continue
		}
		if t.StartedAt != nil && t.StartedAt.After(cutoff) {
			continue
		}
		prev = append(prev, t.clone())
		t.Status = TaskPending
		t.LastError = "stalled"
		t.UpdatedAt = s.now()
		recovered = append(recovered, t.ID)
	}
	if len(recovered) == 0 {
		return nil, nil
	}

	if err := s.persistLocked(); err != nil {
		for _, p := range prev {
			s.tasks[p.ID] = p
		}
		return nil, err
	}
	sort.Strings(recovered)
	return recovered, nil
}

// RetryFailedTasks returns failed tasks within the retry budget to pending
// and moves the rest to permanently_failed. Returns the ids returned to
// pending.
func (s *Store) RetryFailedTasks(maxRetries int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retried []string
	var prev []*Task
	for _, t := range s.tasks {
		if t.Status != TaskFailed {
			continue
		}
		prev = append(prev, t.clone())
		t.UpdatedAt = s.now()
		if t.RetryCount <= maxRetries {
			t.Status = TaskPending
			retried = append(retried, t.ID)
		} else {
			t.Status = TaskPermanentlyFailed
		}
	}
	if len(prev) == 0 {
		return nil, nil
	}

	if err := s.persistLocked(); err != nil {
		for _, p := range prev {
			s.tasks[p.ID] = p
		}
		return nil, err
	}
	sort.Strings(retried)
	return retried, nil
}

// HealthCheck reports per-status counts, stalled / failed / long-running
// task lists, and structural issues. Healthy means all four are empty.
func (s *Store) HealthCheck(stallAfter, longRunningAfter time.Duration) HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := HealthReport{
		TotalTasks:     len(s.tasks),
		CountsByStatus: make(map[TaskStatus]int),
	}
	for _, status := range []TaskStatus{
		TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskPermanentlyFailed,
	} {
		report.CountsByStatus[status] = 0
	}

	for _, t := range s.tasks {
		report.CountsByStatus[t.Status]++

		if _, ok := s.features[t.FeatureID]; !ok {
			report.Issues = append(report.Issues,
				fmt.Sprintf("task %s references unknown feature %s", t.ID, t.FeatureID))
		}

		if t.Status == TaskInProgress {
			if t.StartedAt == nil {
				report.Issues = append(report.Issues,
					fmt.Sprintf("task %s is in_progress without started_at", t.ID))
				report.StalledTasks = append(report.StalledTasks, t.ID)
				continue
			}
			age := now.Sub(*t.StartedAt)
			if age > stallAfter {
				report.StalledTasks = append(report.StalledTasks, t.ID)
			} else if age > longRunningAfter {
				report.LongRunningTasks = append(report.LongRunningTasks, t.ID)
			}
		}
		if t.Status == TaskFailed {
			report.FailedTasks = append(report.FailedTasks, t.ID)
		}
	}

	sort.Strings(report.StalledTasks)
	sort.Strings(report.FailedTasks)
	sort.Strings(report.LongRunningTasks)
	report.Healthy = len(report.StalledTasks) == 0 &&
		len(report.FailedTasks) == 0 &&
		len(report.LongRunningTasks) == 0 &&
		len(report.Issues) == 0
	return report
}

// CleanupCompletedTasks removes terminal tasks whose updated_at is older
// than keep and returns the count removed. Feature task lists keep the
// ids so completion history stays reconstructible.
func (s *Store) CleanupCompletedTasks(keep time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-keep)
	removed := make(map[string]*Task)
	for id, t := range s.tasks {
		if !t.Status.Terminal() {
			continue
		}
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		removed[id] = t
		delete(s.tasks, id)
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if err := s.persistLocked(); err != nil {
		for id, t := range removed {
			s.tasks[id] = t
		}
		return 0, err
	}
	return len(removed), nil
}

// TaskStatistics summarizes the task table.
func (s *Store) TaskStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		TotalTasks:     len(s.tasks),
		CountsByStatus: make(map[TaskStatus]int),
		CountsByAgent:  make(map[string]int),
	}
	totalRetries := 0
	for _, t := range s.tasks {
		stats.CountsByStatus[t.Status]++
		if t.AssignedAgent != "" {
			stats.CountsByAgent[t.AssignedAgent]++
		}
		totalRetries += t.RetryCount
		if t.LastError != "" {
			stats.TasksWithError++
		}
	}
	if stats.TotalTasks > 0 {
		stats.CompletionRate = float64(stats.CountsByStatus[TaskCompleted]) / float64(stats.TotalTasks)
		stats.AverageRetries = float64(totalRetries) / float64(stats.TotalTasks)
	}
	return stats
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}
