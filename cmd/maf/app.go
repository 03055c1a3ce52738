package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mafkit/maf/bus"
	"github.com/mafkit/maf/config"
	"github.com/mafkit/maf/event"
	"github.com/mafkit/maf/runtime"
	"github.com/mafkit/maf/store"
)

const shutdownTimeout = 30 * time.Second

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(slog.Default()).Load()
	if err != nil {
		return nil, fatal(err)
	}
	return cfg, nil
}

func launchCmd() *cobra.Command {
	var (
		agents  []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start the agent runtime",
		Long: `Launch starts the event bus, the enabled role agents, and the
orchestrator, then serves until interrupted (or until --timeout
elapses). Progress is observable via 'maf status' and the /healthz
endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(agents) > 0 {
				cfg.Agents.Enabled = agents
			}

			r, err := runtime.New(cfg, slog.Default())
			if err != nil {
				return fatal(err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := r.Start(ctx); err != nil {
				return fatal(err)
			}

			if timeout > 0 {
				select {
				case <-ctx.Done():
					slog.Info("received shutdown signal")
				case <-time.After(timeout):
					slog.Info("launch timeout elapsed", "timeout", timeout)
				}
			} else {
				<-ctx.Done()
				slog.Info("received shutdown signal")
			}

			if err := r.Stop(shutdownTimeout); err != nil {
				return fatal(fmt.Errorf("shutdown: %w", err))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&agents, "agents", nil, "Comma-separated agent allow-list (default: all enabled in config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Exit after this duration (0 = run until interrupted)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print store statistics and health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Project.Root)
			if err != nil {
				return fatal(fmt.Errorf("open store: %w", err))
			}

			doc := struct {
				Statistics store.Statistics  `json:"statistics"`
				Health     store.HealthReport `json:"health"`
			}{
				Statistics: st.TaskStatistics(),
				Health:     st.HealthCheck(cfg.Tasks.StallTimeout, cfg.Tasks.StallTimeout/2),
			}

			out, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fatal(err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func triggerCmd() *cobra.Command {
	var featureID string

	cmd := &cobra.Command{
		Use:   "trigger <description>",
		Short: "Request a new feature",
		Long: `Trigger publishes a new_feature_request event. With a brokered bus
the event reaches a running 'maf launch' anywhere on the cluster; with
the in-memory bus there is no cross-process delivery, so trigger is
only useful against a brokered configuration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := args[0]
			if description == "" {
				return fmt.Errorf("feature description must not be empty")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Bus.Type == bus.BackendInMemory {
				return fmt.Errorf("trigger needs a brokered bus; the in-memory bus does not reach other processes")
			}

			b, err := bus.New(cfg.Bus, slog.Default())
			if err != nil {
				return fatal(err)
			}
			ctx := context.Background()
			if err := b.Start(ctx); err != nil {
				return fatal(err)
			}
			defer func() { _ = b.Stop(5 * time.Second) }()

			e := event.New(event.KindCustom, appName+"-cli", event.Data{
				EventName:   event.EventNameNewFeatureRequest,
				FeatureID:   featureID,
				Description: description,
			})
			if err := b.Publish(ctx, e); err != nil {
				return fatal(fmt.Errorf("publish feature request: %w", err))
			}

			fmt.Printf("feature request published (event %s)\n", e.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&featureID, "feature-id", "", "Feature id (default: generated by the orchestrator)")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Announce shutdown and delete the persisted state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Best effort: tell a running brokered runtime to stop first.
			if cfg.Bus.Type == bus.BackendBrokered {
				if b, err := bus.New(cfg.Bus, slog.Default()); err == nil {
					ctx := context.Background()
					if err := b.Start(ctx); err == nil {
						shutdown := event.New(event.KindSystemShutdown, appName+"-cli", event.Data{})
						if err := b.Publish(ctx, shutdown); err != nil {
							slog.Warn("publish system_shutdown failed", "error", err)
						}
						_ = b.Stop(5 * time.Second)
					}
				}
			}

			stateDir := filepath.Dir(cfg.StatePath())
			if _, err := os.Stat(stateDir); os.IsNotExist(err) {
				fmt.Println("no persisted state to remove")
				return nil
			}
			if err := os.RemoveAll(stateDir); err != nil {
				return fatal(fmt.Errorf("remove state: %w", err))
			}

			fmt.Printf("removed %s\n", stateDir)
			return nil
		},
	}
}
