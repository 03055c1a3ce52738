// Package agent provides the shared runtime every specialized agent is
// built on: lifecycle, event subscriptions, per-task workers, heartbeat
// replies, and graceful shutdown. Role logic is injected as a single
// ProcessFunc.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/event"
)

// ProcessFunc is the role-specific work. It receives the task id and the
// assignment payload and returns the canonical result or an error. The
// returned error's message is what lands in the task_failed event; no
// panic or error type crosses the worker boundary.
type ProcessFunc func(ctx context.Context, taskID string, data event.Data) (*event.TaskResult, error)

// Lifecycle errors.
var (
	ErrAgentRunning = errors.New("agent: already running")
	ErrAgentStopped = errors.New("agent: not running")
)

// StatusHealthy is the qualitative status reported in heartbeats.
const StatusHealthy = "healthy"

// Base is the uniform agent runtime. Specialized roles construct a Base
// with their name and ProcessFunc; the orchestrator embeds one and adds
// its own subscriptions via Subscribe.
type Base struct {
	name    string
	role    string
	bus     bus.EventBus
	process ProcessFunc
	logger  *slog.Logger

	// Lifecycle
	running bool
	mu      sync.RWMutex
	subs    []bus.Subscription

	// Active-task map. Guards against concurrent workers for the same
	// task id; len() is the heartbeat's active_tasks.
	activeMu sync.Mutex
	active   map[string]struct{}
	workers  sync.WaitGroup

	// Metrics
	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
}

// NewBase creates an agent runtime bound to a bus. A nil logger falls
// back to slog.Default; role defaults to name.
func NewBase(name string, b bus.EventBus, process ProcessFunc, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:    name,
		role:    name,
		bus:     b,
		process: process,
		logger:  logger.With("agent", name),
		active:  make(map[string]struct{}),
	}
}

// Name returns the agent's fixed name.
func (b *Base) Name() string { return b.name }

// Running reports whether the agent accepts new dispatches.
func (b *Base) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// ActiveTaskCount returns the number of in-flight task workers.
func (b *Base) ActiveTaskCount() int {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	return len(b.active)
}

// Start subscribes to the lifecycle kinds and announces the agent.
// task_retry is handled identically to a fresh assignment.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAgentRunning
	}
	b.running = true
	b.mu.Unlock()

	type binding struct {
		kind    event.Kind
		handler bus.Handler
	}
	bindings := []binding{
		{event.KindSystemShutdown, b.handleShutdown},
		{event.KindTaskAssigned, b.handleAssignment},
		{event.KindTaskRetry, b.handleAssignment},
		{event.KindSystemHealthCheck, b.handleHealthCheck},
	}
	for _, bind := range bindings {
		sub, err := b.bus.Subscribe(bind.kind, bind.handler)
		if err != nil {
			b.rollbackStart()
			return fmt.Errorf("subscribe %s: %w", bind.kind, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	started := event.New(event.KindAgentStarted, b.name, event.Data{
		Agent: b.name,
		Role:  b.role,
	})
	if err := b.bus.Publish(ctx, started); err != nil {
		b.rollbackStart()
		return fmt.Errorf("announce start: %w", err)
	}

	b.logger.Info("agent started")
	return nil
}

// rollbackStart unwinds a partially completed Start.
func (b *Base) rollbackStart() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.running = false
	b.mu.Unlock()
	for _, sub := range subs {
		_ = b.bus.Unsubscribe(sub)
	}
}

// Subscribe registers an additional handler whose lifetime is tied to the
// agent; Stop removes it.
func (b *Base) Subscribe(kind event.Kind, handler bus.Handler) error {
	sub, err := b.bus.Subscribe(kind, handler)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Stop removes the agent's subscriptions, waits up to timeout for
// in-flight workers, and announces the stop. New dispatches are refused
// immediately; running workers finish and emit their terminal event.
// When a shutdown signal already marked the agent stopped, Stop still
// joins the remaining workers before returning ErrAgentStopped.
func (b *Base) Stop(timeout time.Duration) error {
	b.mu.Lock()
	wasRunning := b.running
	b.running = false
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = b.bus.Unsubscribe(sub)
	}

	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("stop timeout, workers still in flight",
			"active_tasks", b.ActiveTaskCount())
	}

	if !wasRunning {
		return ErrAgentStopped
	}

	stopped := event.New(event.KindAgentStopped, b.name, event.Data{
		Agent: b.name,
		Role:  b.role,
	})
	if err := b.bus.Publish(context.Background(), stopped); err != nil {
		b.logger.Warn("announce stop failed", "error", err)
	}

	b.logger.Info("agent stopped",
		"tasks_processed", b.tasksProcessed.Load(),
		"tasks_failed", b.tasksFailed.Load())
	return nil
}

// handleShutdown reacts to the cooperative shutdown signal. The agent
// stops accepting dispatches; in-flight workers run to completion.
func (b *Base) handleShutdown(_ context.Context, _ event.Event) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	stopped := event.New(event.KindAgentStopped, b.name, event.Data{
		Agent: b.name,
		Role:  b.role,
	})
	if err := b.bus.Publish(context.Background(), stopped); err != nil {
		b.logger.Warn("announce stop failed", "error", err)
	}
	b.logger.Info("shutdown signal received")
}

// handleAssignment dispatches task_assigned and task_retry events
// addressed to this agent. Each accepted assignment runs in its own
// worker; a task id already in flight is never double-dispatched.
func (b *Base) handleAssignment(ctx context.Context, e event.Event) {
	if e.Data.AssignedAgent != b.name {
		return
	}
	if !b.Running() {
		b.logger.Debug("dispatch refused, agent stopped", "task_id", e.Data.TaskID)
		return
	}
	taskID := e.Data.TaskID
	if taskID == "" {
		b.logger.Warn("assignment without task id", "event_id", e.ID)
		return
	}

	b.activeMu.Lock()
	if _, busy := b.active[taskID]; busy {
		b.activeMu.Unlock()
		b.logger.Debug("task already in flight", "task_id", taskID)
		return
	}
	b.active[taskID] = struct{}{}
	b.activeMu.Unlock()

	b.workers.Add(1)
	go b.runTask(ctx, taskID, e.Data)
}

// runTask is the per-task worker: task_started, process, then exactly one
// terminal event. The active-task entry is cleared on every exit path.
func (b *Base) runTask(ctx context.Context, taskID string, data event.Data) {
	defer b.workers.Done()

	started := event.NewCorrelated(event.KindTaskStarted, b.name, taskID, event.Data{
		TaskID:    taskID,
		FeatureID: data.FeatureID,
		Agent:     b.name,
	})
	if err := b.bus.Publish(ctx, started); err != nil {
		b.logger.Warn("publish task_started failed", "task_id", taskID, "error", err)
	}

	result, err := b.safeProcess(ctx, taskID, data)

	// Release the in-flight slot before the terminal event goes out so a
	// retry assignment observed after it is not refused.
	b.activeMu.Lock()
	delete(b.active, taskID)
	b.activeMu.Unlock()

	if err != nil {
		b.tasksFailed.Add(1)
		b.logger.Info("task failed", "task_id", taskID, "error", err)
		failed := event.NewCorrelated(event.KindTaskFailed, b.name, taskID, event.Data{
			TaskID:    taskID,
			FeatureID: data.FeatureID,
			Agent:     b.name,
			Error:     err.Error(),
		})
		if perr := b.bus.Publish(ctx, failed); perr != nil {
			b.logger.Error("publish task_failed failed", "task_id", taskID, "error", perr)
		}
		return
	}

	b.tasksProcessed.Add(1)
	b.logger.Info("task completed", "task_id", taskID)
	completed := event.NewCorrelated(event.KindTaskCompleted, b.name, taskID, event.Data{
		TaskID:    taskID,
		FeatureID: data.FeatureID,
		Agent:     b.name,
		Result:    result,
	})
	if err := b.bus.Publish(ctx, completed); err != nil {
		b.logger.Error("publish task_completed failed", "task_id", taskID, "error", err)
	}
}

// safeProcess invokes the role logic and converts panics into task
// failures so no worker escapes without a terminal event.
func (b *Base) safeProcess(ctx context.Context, taskID string, data event.Data) (result *event.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task worker panic: %v", r)
		}
	}()
	if b.process == nil {
		return nil, errors.New("no process function configured")
	}
	return b.process(ctx, taskID, data)
}

// handleHealthCheck replies with a heartbeat carrying the in-flight task
// count.
func (b *Base) handleHealthCheck(ctx context.Context, e event.Event) {
	if !b.Running() {
		return
	}
	n := b.ActiveTaskCount()
	hb := event.NewCorrelated(event.KindAgentHeartbeat, b.name, e.CorrelationID, event.Data{
		Agent:       b.name,
		Role:        b.role,
		ActiveTasks: n,
		Status:      StatusHealthy,
	})
	if err := b.bus.Publish(ctx, hb); err != nil {
		b.logger.Warn("heartbeat publish failed", "error", err)
	}
}
