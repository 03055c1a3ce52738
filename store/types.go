// Package store provides the authoritative task/feature table. All
// mutations are serialized behind one lock and persisted atomically, so a
// reader always observes the latest durable state.
package store

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskInProgress        TaskStatus = "in_progress"
	TaskCompleted         TaskStatus = "completed"
	TaskFailed            TaskStatus = "failed"
	TaskPermanentlyFailed TaskStatus = "permanently_failed"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskPermanentlyFailed
}

// allowedTransitions is the task transition graph. Terminal states have no
// outgoing edges.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskPending},
	TaskFailed:     {TaskPending, TaskPermanentlyFailed},
}

// CanTransition reports whether from → to is an edge of the graph.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FeatureStatus is the lifecycle state of a feature.
type FeatureStatus string

const (
	FeatureNew        FeatureStatus = "new"
	FeatureInProgress FeatureStatus = "in_progress"
	FeatureCompleted  FeatureStatus = "completed"
	FeatureBlocked    FeatureStatus = "blocked"
	FeatureFailed     FeatureStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s FeatureStatus) Terminal() bool {
	return s == FeatureCompleted || s == FeatureBlocked || s == FeatureFailed
}

// featureTransitions is the feature transition graph. Terminal states
// have no outgoing edges, so a feature is settled exactly once.
var featureTransitions = map[FeatureStatus][]FeatureStatus{
	FeatureNew:        {FeatureInProgress, FeatureFailed},
	FeatureInProgress: {FeatureCompleted, FeatureBlocked, FeatureFailed},
}

// CanTransitionFeature reports whether from → to is an edge of the graph.
func CanTransitionFeature(from, to FeatureStatus) bool {
	for _, next := range featureTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one unit of work assigned to exactly one agent.
type Task struct {
	ID            string     `json:"id"`
	FeatureID     string     `json:"feature_id"`
	Description   string     `json:"description"`
	AssignedAgent string     `json:"assigned_agent"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// StartedAt is set on the first pending → in_progress transition and
	// preserved across retries.
	StartedAt *time.Time `json:"started_at,omitempty"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	Output     string `json:"output,omitempty"`
}

// clone returns a deep copy so snapshots cannot alias store state.
func (t *Task) clone() *Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	return &c
}

// Feature is a client-level unit of work decomposed into tasks.
type Feature struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      FeatureStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	TaskIDs     []string      `json:"task_ids"`
}

func (f *Feature) clone() *Feature {
	c := *f
	c.TaskIDs = append([]string(nil), f.TaskIDs...)
	return &c
}

// HealthReport is the result of a store health check.
type HealthReport struct {
	Healthy          bool               `json:"healthy"`
	TotalTasks       int                `json:"total_tasks"`
	CountsByStatus   map[TaskStatus]int `json:"counts_by_status"`
	StalledTasks     []string           `json:"stalled_tasks"`
	FailedTasks      []string           `json:"failed_tasks"`
	LongRunningTasks []string           `json:"long_running_tasks"`
	Issues           []string           `json:"issues"`
}

// Statistics summarizes the task table.
type Statistics struct {
	TotalTasks     int                `json:"total_tasks"`
	CountsByStatus map[TaskStatus]int `json:"counts_by_status"`
	CountsByAgent  map[string]int     `json:"counts_by_agent"`
	CompletionRate float64            `json:"completion_rate"`
	AverageRetries float64            `json:"average_retries"`
	TasksWithError int                `json:"tasks_with_error"`
}

// Sentinel errors.
var (
	ErrTaskNotFound    = errors.New("store: task not found")
	ErrFeatureNotFound = errors.New("store: feature not found")
	ErrTaskExists      = errors.New("store: task already exists")
	ErrFeatureExists   = errors.New("store: feature already exists")
)

// TransitionError reports a rejected status transition.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("store: task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// FeatureTransitionError reports a rejected feature status transition.
type FeatureTransitionError struct {
	FeatureID string
	From      FeatureStatus
	To        FeatureStatus
}

func (e *FeatureTransitionError) Error() string {
	return fmt.Sprintf("store: feature %s: invalid transition %s -> %s", e.FeatureID, e.From, e.To)
}
