// Package main provides the maf binary entry point. Maf is a
// multi-agent feature runtime: it decomposes feature requests into
// role-addressed tasks and runs specialized agents over an event bus.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "maf"
)

// runtimeFailure marks errors that should exit with code 2: startup,
// configuration, and runtime faults, as opposed to user errors (code 1).
type runtimeFailure struct{ err error }

func (e runtimeFailure) Error() string { return e.err.Error() }
func (e runtimeFailure) Unwrap() error { return e.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return runtimeFailure{err: err}
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var rf runtimeFailure
		if errors.As(err, &rf) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent feature runtime",
		Long: `Maf runs a team of specialized agents (frontend, backend, database,
devops, qa, docs, security, uxui) over an event bus. A feature request
is decomposed into role-addressed tasks; each agent generates its
artifact and reports back; the orchestrator tracks progress, retries
failures, and marks the feature completed or blocked.

Configuration is layered: defaults, ~/.config/maf/config.yaml, maf.yaml
in the project, then MAF_* environment variables. API keys are read
from the environment only (ANTHROPIC_API_KEY, OPENAI_API_KEY).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(launchCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(triggerCmd())
	cmd.AddCommand(resetCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func setupLogging(logLevel string) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
