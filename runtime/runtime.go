// Package runtime assembles the moving parts into one process: event
// bus, store, model registry, LLM client, role agents, orchestrator,
// and the metrics endpoint, built from configuration and started and
// stopped as a unit.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mafkit/maf/agent"
	"github.com/mafkit/maf/artifact"
	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/config"
	"github.com/mafkit/maf/decompose"
	"github.com/mafkit/maf/event"
	"github.com/mafkit/maf/llm"
	_ "github.com/mafkit/maf/llm/providers"
	"github.com/mafkit/maf/metrics"
	"github.com/mafkit/maf/model"
	"github.com/mafkit/maf/orchestrator"
	"github.com/mafkit/maf/roles"
	"github.com/mafkit/maf/store"
)

// Source is the event source name for runtime-emitted events.
const Source = "runtime"

// Runtime owns every long-lived component of one maf process.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	bus     bus.EventBus
	store   *store.Store
	agents  []*agent.Base
	orch    *orchestrator.Orchestrator
	metrics *metrics.Server
}

type stoppable interface {
	Stop(timeout time.Duration) error
}

// New builds a runtime from configuration. Nothing is started yet;
// construction failures are configuration errors.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	b, err := bus.New(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Project.Root, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := buildRegistry(cfg)
	model.InitGlobal(registry)

	genFor, decomposer := buildGenerators(cfg, registry, logger)

	sink := artifact.NewFSSink(cfg.Project.Root, logger)
	agents := make([]*agent.Base, 0, len(cfg.Agents.Enabled))
	for _, name := range cfg.Agents.Enabled {
		role, err := roles.New(name, genFor(name), sink, logger)
		if err != nil {
			return nil, err
		}
		agents = append(agents, role.NewAgent(b, logger))
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.EnabledAgents = cfg.Agents.Enabled
	orchCfg.MaxRetries = cfg.Tasks.MaxRetries
	orchCfg.StallTimeout = cfg.Tasks.StallTimeout
	orchCfg.LongRunningAfter = cfg.Tasks.StallTimeout / 2
	orchCfg.HealthInterval = cfg.Tasks.HeartbeatInterval
	orchCfg.MaintenanceInterval = cfg.Tasks.MaintenanceInterval
	orchCfg.CleanupInterval = cfg.Tasks.CleanupInterval
	orchCfg.CleanupRetention = cfg.Tasks.CleanupRetention
	orch, err := orchestrator.New(orchCfg, b, st, decomposer, logger)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		bus:    b,
		store:  st,
		agents: agents,
		orch:   orch,
	}
	if cfg.MetricsAddr != "" {
		r.metrics = metrics.NewServer(cfg.MetricsAddr, b, st, metrics.HealthThresholds{
			StallAfter:       cfg.Tasks.StallTimeout,
			LongRunningAfter: cfg.Tasks.StallTimeout / 2,
		}, logger)
	}
	return r, nil
}

// buildRegistry layers the configured default model over the built-in
// endpoints and puts it first in every capability chain.
func buildRegistry(cfg *config.Config) *model.Registry {
	registry := model.NewDefaultRegistry()
	registry.SetEndpoint("configured", &model.EndpointConfig{
		Provider: cfg.Model.Provider,
		Model:    cfg.Model.Name,
	})
	registry.PreferModel("configured")
	registry.SetDefault("configured")
	return registry
}

// buildGenerators returns the per-role generator factory and the
// decomposer. Test mode uses the fixed mock for roles and a static
// decomposition fanning one task to every enabled agent, so the full
// pipeline runs without provider credentials.
func buildGenerators(cfg *config.Config, registry *model.Registry, logger *slog.Logger) (func(role string) llm.Generator, decompose.Decomposer) {
	if cfg.TestMode {
		subtasks := make([]decompose.Subtask, 0, len(cfg.Agents.Enabled))
		for _, name := range cfg.Agents.Enabled {
			subtasks = append(subtasks, decompose.Subtask{
				Role:        name,
				Description: "test mode exercise for the " + name + " agent",
			})
		}
		return func(string) llm.Generator { return &llm.Mock{} },
			&decompose.Static{Subtasks: subtasks}
	}

	client := llm.NewClient(registry, llm.WithLogger(logger))
	genFor := func(role string) llm.Generator {
		return client.ForCapability(model.CapabilityForRole(role))
	}
	return genFor, decompose.NewLLM(client.ForCapability(model.CapabilityFast), logger)
}

// Start brings every component up: bus, metrics, role agents, then the
// orchestrator. A failure unwinds what already started.
func (r *Runtime) Start(ctx context.Context) error {
	var started []stoppable
	rollback := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(5 * time.Second); err != nil {
				r.logger.Warn("rollback stop failed", "error", err)
			}
		}
	}

	if err := r.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	started = append(started, r.bus)

	if err := bus.InitGlobal(r.bus); err != nil {
		r.logger.Debug("global bus already installed", "error", err)
	}

	if r.metrics != nil {
		if err := r.metrics.Start(ctx); err != nil {
			rollback()
			return err
		}
		started = append(started, r.metrics)
	}

	for _, a := range r.agents {
		if err := a.Start(ctx); err != nil {
			rollback()
			return fmt.Errorf("start agent %s: %w", a.Name(), err)
		}
		started = append(started, a)
	}

	if err := r.orch.Start(ctx); err != nil {
		rollback()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	r.logger.Info("runtime started",
		"project", r.cfg.Project.Name,
		"agents", len(r.agents),
		"bus", r.cfg.Bus.Type,
		"test_mode", r.cfg.TestMode)
	return nil
}

// Stop announces shutdown on the bus, then stops the orchestrator, the
// agents, the metrics server, and last the bus itself. In-flight task
// workers get timeout to publish their terminal events.
func (r *Runtime) Stop(timeout time.Duration) error {
	shutdown := event.New(event.KindSystemShutdown, Source, event.Data{})
	if err := r.bus.Publish(context.Background(), shutdown); err != nil {
		r.logger.Warn("publish system_shutdown failed", "error", err)
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// The shutdown broadcast may already have marked agents stopped;
	// Stop is still called on every one so in-flight workers are joined
	// and their terminal events reach the bus before it is torn down.
	if err := r.orch.Stop(timeout); err != nil && !errors.Is(err, agent.ErrAgentStopped) {
		record(err)
	}
	for _, a := range r.agents {
		if err := a.Stop(timeout); err != nil && !errors.Is(err, agent.ErrAgentStopped) {
			record(err)
		}
	}
	if r.metrics != nil {
		record(r.metrics.Stop(timeout))
	}
	record(bus.ResetGlobal(timeout))
	// No-op when ResetGlobal already stopped it.
	record(r.bus.Stop(timeout))

	r.logger.Info("runtime stopped")
	return firstErr
}

// Bus returns the event bus.
func (r *Runtime) Bus() bus.EventBus { return r.bus }

// Store returns the task store.
func (r *Runtime) Store() *store.Store { return r.store }
