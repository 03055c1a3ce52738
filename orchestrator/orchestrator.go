// Package orchestrator is the control plane: it decomposes features into
// role-addressed tasks, tracks their lifecycle through the store, retries
// failures within a budget, and runs the periodic maintenance loops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mafkit/maf/agent"
	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/decompose"
	"github.com/mafkit/maf/event"
	"github.com/mafkit/maf/roles"
	"github.com/mafkit/maf/store"
)

// Name is the orchestrator's agent name and event source.
const Name = "orchestrator"

// Config holds the control-plane tunables.
type Config struct {
	// EnabledAgents is the canonical role allow-list. Subtasks addressed
	// to roles outside it are dropped.
	EnabledAgents []string

	// MaxRetries is the per-task retry budget.
	MaxRetries int

	// StallTimeout is how long an in_progress task may go without a
	// terminal event before recovery resets it.
	StallTimeout time.Duration

	// LongRunningAfter marks tasks as long-running in health reports.
	// Defaults to half the stall timeout.
	LongRunningAfter time.Duration

	// HealthInterval is the cadence of health checks and heartbeat
	// requests.
	HealthInterval time.Duration

	// MaintenanceInterval is the cadence of stall recovery and failed-
	// task retries.
	MaintenanceInterval time.Duration

	// CleanupInterval is the cadence of terminal-task cleanup.
	CleanupInterval time.Duration

	// CleanupRetention is how long terminal tasks are kept.
	CleanupRetention time.Duration
}

// DefaultConfig returns the standard control-plane settings.
func DefaultConfig() Config {
	return Config{
		EnabledAgents:       roles.Names(),
		MaxRetries:          3,
		StallTimeout:        30 * time.Minute,
		LongRunningAfter:    15 * time.Minute,
		HealthInterval:      5 * time.Minute,
		MaintenanceInterval: 10 * time.Minute,
		CleanupInterval:     24 * time.Hour,
		CleanupRetention:    7 * 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.EnabledAgents) == 0 {
		return errors.New("orchestrator: no agents enabled")
	}
	for _, name := range c.EnabledAgents {
		if !roles.Valid(name) {
			return fmt.Errorf("orchestrator: unknown agent %q", name)
		}
	}
	if c.MaxRetries < 0 {
		return errors.New("orchestrator: negative retry budget")
	}
	if c.StallTimeout <= 0 || c.HealthInterval <= 0 ||
		c.MaintenanceInterval <= 0 || c.CleanupInterval <= 0 {
		return errors.New("orchestrator: intervals must be positive")
	}
	return nil
}

// Orchestrator coordinates features, tasks, and agents over the bus.
type Orchestrator struct {
	*agent.Base

	cfg        Config
	bus        bus.EventBus
	store      *store.Store
	decomposer decompose.Decomposer
	logger     *slog.Logger

	enabled map[string]struct{}

	// assigned is the duplicate-assignment guard: task ids with an
	// outstanding assignment or retry on the bus. Entered on
	// publication, cleared on terminal status or recovery reset.
	assignedMu sync.Mutex
	assigned   map[string]struct{}

	cancelMaintenance context.CancelFunc
	maintenanceDone   chan struct{}
}

// New creates an orchestrator. The decomposer and store are required.
func New(cfg Config, b bus.EventBus, st *store.Store, d decompose.Decomposer, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if d == nil {
		return nil, errors.New("orchestrator: decomposer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	enabled := make(map[string]struct{}, len(cfg.EnabledAgents))
	for _, name := range cfg.EnabledAgents {
		enabled[name] = struct{}{}
	}

	o := &Orchestrator{
		cfg:        cfg,
		bus:        b,
		store:      st,
		decomposer: d,
		logger:     logger.With("agent", Name),
		enabled:    enabled,
		assigned:   make(map[string]struct{}),
	}
	o.Base = agent.NewBase(Name, b, nil, logger)
	return o, nil
}

// Start brings up the agent runtime, the control-plane subscriptions, and
// the maintenance loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Base.Start(ctx); err != nil {
		return err
	}

	type binding struct {
		kind    event.Kind
		handler bus.Handler
	}
	bindings := []binding{
		{event.KindFeatureCreated, o.onFeatureCreated},
		{event.KindCustom, o.onCustom},
		{event.KindTaskStarted, o.onTaskStarted},
		{event.KindTaskCompleted, o.onTaskCompleted},
		{event.KindTaskFailed, o.onTaskFailed},
		{event.KindAgentError, o.onAgentError},
	}
	for _, bind := range bindings {
		if err := o.Subscribe(bind.kind, bind.handler); err != nil {
			_ = o.Base.Stop(time.Second)
			return fmt.Errorf("subscribe %s: %w", bind.kind, err)
		}
	}

	mctx, cancel := context.WithCancel(context.Background())
	o.cancelMaintenance = cancel
	o.maintenanceDone = make(chan struct{})
	go o.maintenanceLoop(mctx)

	o.logger.Info("orchestrator started",
		"enabled_agents", o.cfg.EnabledAgents,
		"max_retries", o.cfg.MaxRetries)
	return nil
}

// Stop halts maintenance and shuts down the agent runtime.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	if o.cancelMaintenance != nil {
		o.cancelMaintenance()
		select {
		case <-o.maintenanceDone:
		case <-time.After(timeout):
			o.logger.Warn("maintenance loop did not stop in time")
		}
	}
	return o.Base.Stop(timeout)
}

// ---------------------------------------------------------------------
// Feature decomposition
// ---------------------------------------------------------------------

func (o *Orchestrator) onFeatureCreated(ctx context.Context, e event.Event) {
	o.handleNewFeature(ctx, e.Data.FeatureID, e.Data.Description)
}

// onCustom handles application-defined events; only new_feature_request
// is meaningful to the control plane.
func (o *Orchestrator) onCustom(ctx context.Context, e event.Event) {
	if e.Data.EventName != event.EventNameNewFeatureRequest {
		return
	}
	o.handleNewFeature(ctx, e.Data.FeatureID, e.Data.Description)
}

// handleNewFeature records the feature and fans its subtasks out to the
// enabled agents. The store's uniqueness check makes duplicate delivery
// of the same feature id a no-op.
func (o *Orchestrator) handleNewFeature(ctx context.Context, featureID, description string) {
	if featureID == "" {
		featureID = uuid.New().String()
	}

	err := o.store.AddFeature(store.Feature{
		ID:          featureID,
		Description: description,
		Status:      store.FeatureInProgress,
	})
	if errors.Is(err, store.ErrFeatureExists) {
		o.logger.Debug("duplicate feature ignored", "feature_id", featureID)
		return
	}
	if err != nil {
		o.logger.Error("record feature failed", "feature_id", featureID, "error", err)
		return
	}

	subtasks, err := o.decomposer.Decompose(ctx, description)
	if err != nil {
		o.logger.Error("decomposition failed", "feature_id", featureID, "error", err)
		o.failFeature(featureID)
		return
	}

	assigned := 0
	for _, st := range subtasks {
		role, ok := roles.Normalize(st.Role)
		if !ok {
			o.logger.Warn("dropping subtask with unknown role",
				"feature_id", featureID, "role", st.Role)
			continue
		}
		if _, enabled := o.enabled[role]; !enabled {
			o.logger.Warn("dropping subtask for disabled agent",
				"feature_id", featureID, "role", role)
			continue
		}

		taskID := uuid.New().String()
		task := store.Task{
			ID:            taskID,
			FeatureID:     featureID,
			Description:   st.Description,
			AssignedAgent: role,
		}
		if err := o.store.AddTask(task); err != nil {
			o.logger.Error("record task failed", "task_id", taskID, "error", err)
			continue
		}
		if o.publishAssignment(ctx, event.KindTaskAssigned, task, 0) {
			assigned++
		}
	}

	if assigned == 0 {
		o.logger.Error("decomposition yielded no assignable tasks", "feature_id", featureID)
		o.failFeature(featureID)
		return
	}
	o.logger.Info("feature decomposed", "feature_id", featureID, "tasks", assigned)
}

func (o *Orchestrator) failFeature(featureID string) {
	err := o.store.UpdateFeatureStatus(featureID, store.FeatureFailed)
	var ferr *store.FeatureTransitionError
	if errors.As(err, &ferr) {
		o.logger.Debug("feature already settled", "feature_id", featureID, "from", ferr.From)
		return
	}
	if err != nil {
		o.logger.Error("mark feature failed errored", "feature_id", featureID, "error", err)
	}
}

// publishAssignment emits a task_assigned or task_retry event guarded by
// the duplicate-assignment set. Returns false when the task already has
// an outstanding assignment.
func (o *Orchestrator) publishAssignment(ctx context.Context, kind event.Kind, task store.Task, retryCount int) bool {
	o.assignedMu.Lock()
	if _, outstanding := o.assigned[task.ID]; outstanding {
		o.assignedMu.Unlock()
		o.logger.Debug("assignment already outstanding", "task_id", task.ID)
		return false
	}
	o.assigned[task.ID] = struct{}{}
	o.assignedMu.Unlock()

	e := event.NewCorrelated(kind, Name, task.ID, event.Data{
		TaskID:        task.ID,
		FeatureID:     task.FeatureID,
		Description:   task.Description,
		AssignedAgent: task.AssignedAgent,
		RetryCount:    retryCount,
	})
	if err := o.bus.Publish(ctx, e); err != nil {
		o.clearAssigned(task.ID)
		o.logger.Error("publish assignment failed", "task_id", task.ID, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) clearAssigned(taskID string) {
	o.assignedMu.Lock()
	delete(o.assigned, taskID)
	o.assignedMu.Unlock()
}

// ---------------------------------------------------------------------
// Task lifecycle
// ---------------------------------------------------------------------

// onTaskStarted moves the task to in_progress. Transition errors are
// expected under retries and out-of-order delivery; the store stays the
// authority.
func (o *Orchestrator) onTaskStarted(_ context.Context, e event.Event) {
	if e.Data.TaskID == "" {
		return
	}
	if err := o.store.UpdateTaskStatus(e.Data.TaskID, store.TaskInProgress); err != nil {
		var terr *store.TransitionError
		if errors.As(err, &terr) {
			o.logger.Debug("stale task_started ignored", "task_id", e.Data.TaskID, "from", terr.From)
			return
		}
		o.logger.Warn("mark task started failed", "task_id", e.Data.TaskID, "error", err)
	}
}

func (o *Orchestrator) onTaskCompleted(ctx context.Context, e event.Event) {
	taskID := e.Data.TaskID
	if taskID == "" {
		return
	}

	var opts []store.UpdateOption
	if e.Data.Result != nil {
		opts = append(opts, store.WithOutput(e.Data.Result.Message))
	}
	if err := o.markTerminal(taskID, store.TaskCompleted, opts...); err != nil {
		var terr *store.TransitionError
		if errors.As(err, &terr) {
			o.logger.Debug("stale task_completed ignored", "task_id", taskID, "from", terr.From)
		} else {
			o.logger.Error("mark task completed failed", "task_id", taskID, "error", err)
		}
		return
	}
	o.clearAssigned(taskID)

	task, err := o.store.GetTask(taskID)
	if err != nil {
		o.logger.Error("completed task missing from store", "task_id", taskID, "error", err)
		return
	}
	o.checkFeatureDone(ctx, task.FeatureID)
	o.checkFeatureBlocked(ctx, task.FeatureID)
}

// checkFeatureDone publishes feature_completed once every task of the
// feature is completed. Handlers for the last two terminal events may
// race here; the store's transition guard picks the single winner.
func (o *Orchestrator) checkFeatureDone(ctx context.Context, featureID string) {
	tasks, err := o.store.GetFeatureTasks(featureID)
	if err != nil || len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		if t.Status != store.TaskCompleted {
			return
		}
	}

	if err := o.store.UpdateFeatureStatus(featureID, store.FeatureCompleted); err != nil {
		var ferr *store.FeatureTransitionError
		if errors.As(err, &ferr) {
			o.logger.Debug("feature already settled", "feature_id", featureID, "from", ferr.From)
		} else {
			o.logger.Error("mark feature completed failed", "feature_id", featureID, "error", err)
		}
		return
	}

	feature, err := o.store.GetFeature(featureID)
	if err != nil {
		o.logger.Error("completed feature missing from store", "feature_id", featureID, "error", err)
		return
	}

	done := event.NewCorrelated(event.KindFeatureCompleted, Name, featureID, event.Data{
		FeatureID:   featureID,
		Description: feature.Description,
		Status:      string(store.FeatureCompleted),
	})
	if err := o.bus.Publish(ctx, done); err != nil {
		o.logger.Error("publish feature_completed failed", "feature_id", featureID, "error", err)
		return
	}
	o.logger.Info("feature completed", "feature_id", featureID, "tasks", len(tasks))
}

// onTaskFailed applies the retry policy: failures within the budget go
// back out as task_retry, the rest become permanently_failed and may
// block the feature.
func (o *Orchestrator) onTaskFailed(ctx context.Context, e event.Event) {
	taskID := e.Data.TaskID
	if taskID == "" {
		return
	}

	if err := o.markTerminal(taskID, store.TaskFailed, store.WithError(e.Data.Error)); err != nil {
		var terr *store.TransitionError
		if errors.As(err, &terr) {
			o.logger.Debug("stale task_failed ignored", "task_id", taskID, "from", terr.From)
		} else {
			o.logger.Error("mark task failed errored", "task_id", taskID, "error", err)
		}
		return
	}
	o.clearAssigned(taskID)

	task, err := o.store.GetTask(taskID)
	if err != nil {
		o.logger.Error("failed task missing from store", "task_id", taskID, "error", err)
		return
	}

	if task.RetryCount <= o.cfg.MaxRetries {
		if err := o.store.UpdateTaskStatus(taskID, store.TaskPending); err != nil {
			o.logger.Error("reset task for retry failed", "task_id", taskID, "error", err)
			return
		}
		o.logger.Info("retrying task",
			"task_id", taskID,
			"retry_count", task.RetryCount,
			"max_retries", o.cfg.MaxRetries)
		o.publishAssignment(ctx, event.KindTaskRetry, store.Task{
			ID:            task.ID,
			FeatureID:     task.FeatureID,
			Description:   task.Description,
			AssignedAgent: task.AssignedAgent,
		}, task.RetryCount)
		return
	}

	if err := o.store.UpdateTaskStatus(taskID, store.TaskPermanentlyFailed); err != nil {
		o.logger.Error("mark task permanently failed errored", "task_id", taskID, "error", err)
		return
	}
	o.logger.Error("task permanently failed",
		"task_id", taskID,
		"retry_count", task.RetryCount,
		"last_error", e.Data.Error)
	o.checkFeatureBlocked(ctx, task.FeatureID)
}

// checkFeatureBlocked publishes feature_blocked when at least one task is
// permanently failed and no non-terminal tasks remain.
func (o *Orchestrator) checkFeatureBlocked(ctx context.Context, featureID string) {
	tasks, err := o.store.GetFeatureTasks(featureID)
	if err != nil || len(tasks) == 0 {
		return
	}
	anyPermanent := false
	for _, t := range tasks {
		if t.Status == store.TaskPermanentlyFailed {
			anyPermanent = true
		}
		if !t.Status.Terminal() {
			return
		}
	}
	if !anyPermanent {
		return
	}

	if err := o.store.UpdateFeatureStatus(featureID, store.FeatureBlocked); err != nil {
		var ferr *store.FeatureTransitionError
		if errors.As(err, &ferr) {
			o.logger.Debug("feature already settled", "feature_id", featureID, "from", ferr.From)
		} else {
			o.logger.Error("mark feature blocked failed", "feature_id", featureID, "error", err)
		}
		return
	}

	feature, err := o.store.GetFeature(featureID)
	if err != nil {
		o.logger.Error("blocked feature missing from store", "feature_id", featureID, "error", err)
		return
	}

	blocked := event.NewCorrelated(event.KindFeatureBlocked, Name, featureID, event.Data{
		FeatureID:   featureID,
		Description: feature.Description,
		Status:      string(store.FeatureBlocked),
	})
	if err := o.bus.Publish(ctx, blocked); err != nil {
		o.logger.Error("publish feature_blocked failed", "feature_id", featureID, "error", err)
		return
	}
	o.logger.Error("feature blocked", "feature_id", featureID)
}

// markTerminal applies a completed/failed transition, bridging through
// in_progress when the terminal event overtook its task_started.
func (o *Orchestrator) markTerminal(taskID string, status store.TaskStatus, opts ...store.UpdateOption) error {
	err := o.store.UpdateTaskStatus(taskID, status, opts...)
	var terr *store.TransitionError
	if errors.As(err, &terr) && terr.From == store.TaskPending {
		if err2 := o.store.UpdateTaskStatus(taskID, store.TaskInProgress); err2 != nil {
			return err
		}
		return o.store.UpdateTaskStatus(taskID, status, opts...)
	}
	return err
}

func (o *Orchestrator) onAgentError(_ context.Context, e event.Event) {
	o.logger.Error("agent error observed",
		"source", e.Source,
		"agent", e.Data.Agent,
		"error", e.Data.Error)
}

// ---------------------------------------------------------------------
// Periodic maintenance
// ---------------------------------------------------------------------

// maintenanceLoop runs health checks, stall recovery, failed-task
// retries, and cleanup outside the event-dispatch path.
func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	defer close(o.maintenanceDone)

	health := time.NewTicker(o.cfg.HealthInterval)
	defer health.Stop()
	maintenance := time.NewTicker(o.cfg.MaintenanceInterval)
	defer maintenance.Stop()
	cleanup := time.NewTicker(o.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			o.runHealthCheck(ctx)
		case <-maintenance.C:
			o.recoverAndRetry(ctx)
		case <-cleanup.C:
			o.runCleanup()
		}
	}
}

// runHealthCheck logs the store health report and asks agents for
// heartbeats.
func (o *Orchestrator) runHealthCheck(ctx context.Context) {
	report := o.store.HealthCheck(o.cfg.StallTimeout, o.cfg.LongRunningAfter)
	if report.Healthy {
		o.logger.Info("health check",
			"total_tasks", report.TotalTasks,
			"healthy", true)
	} else {
		o.logger.Warn("health check",
			"total_tasks", report.TotalTasks,
			"stalled", len(report.StalledTasks),
			"failed", len(report.FailedTasks),
			"long_running", len(report.LongRunningTasks),
			"issues", report.Issues)
	}

	check := event.NewCorrelated(event.KindSystemHealthCheck, Name, uuid.New().String(), event.Data{})
	if err := o.bus.Publish(ctx, check); err != nil {
		o.logger.Warn("publish health check failed", "error", err)
	}
}

// recoverAndRetry resets stalled tasks and failed tasks within the retry
// budget to pending and re-publishes their assignments.
func (o *Orchestrator) recoverAndRetry(ctx context.Context) {
	recovered, err := o.store.RecoverStalledTasks(o.cfg.StallTimeout)
	if err != nil {
		o.logger.Error("stall recovery failed", "error", err)
	}
	for _, id := range recovered {
		o.logger.Info("recovered stalled task", "task_id", id)
	}

	retried, err := o.store.RetryFailedTasks(o.cfg.MaxRetries)
	if err != nil {
		o.logger.Error("failed-task retry failed", "error", err)
	}
	for _, id := range retried {
		o.logger.Info("retrying failed task", "task_id", id)
	}

	for _, id := range append(recovered, retried...) {
		// Recovery reset the task; the old assignment is void.
		o.clearAssigned(id)
		task, err := o.store.GetTask(id)
		if err != nil {
			o.logger.Error("recovered task missing from store", "task_id", id, "error", err)
			continue
		}
		o.publishAssignment(ctx, event.KindTaskAssigned, store.Task{
			ID:            task.ID,
			FeatureID:     task.FeatureID,
			Description:   task.Description,
			AssignedAgent: task.AssignedAgent,
		}, task.RetryCount)
	}
}

// runCleanup removes old terminal tasks.
func (o *Orchestrator) runCleanup() {
	removed, err := o.store.CleanupCompletedTasks(o.cfg.CleanupRetention)
	if err != nil {
		o.logger.Error("cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		o.logger.Info("cleaned up terminal tasks", "removed", removed)
	}
}
